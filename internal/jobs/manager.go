// Package jobs tracks long-running studio work (generation, smart
// personality creation) and publishes a last-value progress snapshot per job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/observability"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidJobState = errors.New("invalid job state")
)

const (
	defaultRetainLimit = 256
	persistQueueSize   = 512
)

type Manager struct {
	mu sync.RWMutex

	store   Store
	metrics *observability.Metrics

	persistQ    chan Job
	persistDone chan struct{}

	jobs      map[string]*Job
	order     []string
	retainMax int

	subscribers map[string]map[int]chan Progress
	nextSubID   int
}

func NewManager(metrics *observability.Metrics) *Manager {
	return &Manager{
		metrics:     metrics,
		jobs:        make(map[string]*Job),
		retainMax:   defaultRetainLimit,
		subscribers: make(map[string]map[int]chan Progress),
	}
}

// SetStore attaches a persistent store. Snapshots are written by a single
// goroutine in the order the state changes happened.
func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	prev := m.stopPersistLocked()
	m.store = store
	if store != nil {
		m.persistQ = make(chan Job, persistQueueSize)
		m.persistDone = make(chan struct{})
		go persistLoop(store, m.persistQ, m.persistDone)
	}
	m.mu.Unlock()
	if prev != nil {
		<-prev
	}
}

// Close flushes pending store writes. The store itself is left open.
func (m *Manager) Close() {
	m.mu.Lock()
	done := m.stopPersistLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) stopPersistLocked() chan struct{} {
	if m.persistQ == nil {
		return nil
	}
	close(m.persistQ)
	done := m.persistDone
	m.persistQ, m.persistDone = nil, nil
	return done
}

// Subscribe returns a channel carrying the newest snapshot of one job. Stale
// values are replaced rather than queued. The channel is closed after the
// terminal snapshot or when the returned cancel func is called.
func (m *Manager) Subscribe(id string) (<-chan Progress, func(), error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil, ErrJobNotFound
	}
	ch := make(chan Progress, 1)
	ch <- job.Progress()
	if job.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	m.nextSubID++
	subID := m.nextSubID
	if m.subscribers[id] == nil {
		m.subscribers[id] = make(map[int]chan Progress)
	}
	m.subscribers[id][subID] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[id]
		if c, ok := subs[subID]; ok {
			delete(subs, subID)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, id)
		}
	}, nil
}

func (m *Manager) Create(kind Kind, summary string) Job {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Summary:   strings.TrimSpace(summary),
		Status:    StatusQueued,
		Stage:     "Queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.evictLocked()
	snapshot := job.Clone()
	m.persistJob(snapshot)
	m.mu.Unlock()

	m.metrics.ObserveJobEvent(string(kind), "created")
	m.metrics.SetActiveJobs(m.Active())
	return snapshot
}

func (m *Manager) Start(id string) (Job, error) {
	return m.mutate(id, func(job *Job, now time.Time) error {
		if job.Status != StatusQueued {
			return fmt.Errorf("%w: %s is %s", ErrInvalidJobState, job.ID, job.Status)
		}
		job.Status = StatusRunning
		job.StartedAt = &now
		return nil
	}, "started")
}

// Update records a progress step. Percent is clamped to [current, 99] so a
// running job never reports completion and never goes backwards.
func (m *Manager) Update(id, stage string, percent, etaSeconds int) error {
	_, err := m.mutate(id, func(job *Job, _ time.Time) error {
		if job.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidJobState, job.ID, job.Status)
		}
		job.Percent = min(max(percent, job.Percent), 99)
		if stage = strings.TrimSpace(stage); stage != "" {
			job.Stage = stage
		}
		job.ETA = max(etaSeconds, 0)
		return nil
	}, "")
	return err
}

func (m *Manager) AddWarning(id, warning string) error {
	_, err := m.mutate(id, func(job *Job, _ time.Time) error {
		job.Warnings = append(job.Warnings, warning)
		return nil
	}, "")
	return err
}

func (m *Manager) Complete(id, result string) (Job, error) {
	return m.finish(id, StatusCompleted, "Completed", result, "")
}

func (m *Manager) Fail(id, detail string) (Job, error) {
	return m.finish(id, StatusFailed, "Failed", "", detail)
}

func (m *Manager) Cancel(id, reason string) (Job, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	return m.finish(id, StatusCancelled, "Cancelled", "", reason)
}

func (m *Manager) finish(id string, status Status, stage, result, detail string) (Job, error) {
	return m.mutate(id, func(job *Job, now time.Time) error {
		if job.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidJobState, job.ID, job.Status)
		}
		job.Status = status
		job.Stage = stage
		job.ETA = 0
		job.Result = result
		job.Error = strings.TrimSpace(detail)
		if status == StatusCompleted {
			job.Percent = 100
		}
		job.EndedAt = &now
		return nil
	}, string(status))
}

func (m *Manager) mutate(id string, fn func(job *Job, now time.Time) error, event string) (Job, error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	now := time.Now().UTC()
	if err := fn(job, now); err != nil {
		m.mu.Unlock()
		return Job{}, err
	}
	job.UpdatedAt = now
	snapshot := job.Clone()
	m.publishLocked(snapshot)
	if event != "" {
		m.persistJob(snapshot)
	}
	m.mu.Unlock()

	if event != "" {
		m.metrics.ObserveJobEvent(string(snapshot.Kind), event)
		m.metrics.SetActiveJobs(m.Active())
		log.Debug().Str("job_id", snapshot.ID).Str("kind", string(snapshot.Kind)).Str("event", event).Msg("job state changed")
	}
	return snapshot, nil
}

func (m *Manager) Get(id string) (Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Job{}, ErrJobNotFound
	}
	m.mu.RLock()
	job, ok := m.jobs[id]
	var snapshot Job
	if ok {
		snapshot = job.Clone()
	}
	store := m.store
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if store == nil {
		return Job{}, ErrJobNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	return persisted, nil
}

// Snapshot is the polling form of Subscribe.
func (m *Manager) Snapshot(id string) (Progress, error) {
	job, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	return job.Progress(), nil
}

// List returns the newest jobs first. With a store attached, jobs that were
// evicted from memory or belong to an earlier process are included; the
// in-memory copy wins when both exist.
func (m *Manager) List(limit int) []Job {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	memOut := make([]Job, 0, min(limit, len(m.order)))
	for i := len(m.order) - 1; i >= 0 && len(memOut) < limit; i-- {
		memOut = append(memOut, m.jobs[m.order[i]].Clone())
	}
	store := m.store
	m.mu.RUnlock()

	out := memOut
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		persisted, err := store.ListJobs(ctx, limit)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("list persisted jobs")
		} else if len(persisted) > 0 {
			merged := make(map[string]Job, len(persisted)+len(memOut))
			for _, job := range persisted {
				merged[job.ID] = job
			}
			for _, job := range memOut {
				merged[job.ID] = job
			}
			out = make([]Job, 0, len(merged))
			for _, job := range merged {
				out = append(out, job)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active counts queued and running jobs.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		if !job.Terminal() {
			n++
		}
	}
	return n
}

// evictLocked drops the oldest terminal jobs beyond the retain limit.
func (m *Manager) evictLocked() {
	excess := len(m.order) - m.retainMax
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.jobs[id].Terminal() {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// persistJob must be called with mu held, which keeps queue order equal to
// state-change order.
func (m *Manager) persistJob(job Job) {
	if m.persistQ == nil {
		return
	}
	m.persistQ <- job.Clone()
}

func persistLoop(store Store, queue <-chan Job, done chan<- struct{}) {
	defer close(done)
	for snapshot := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := store.SaveJob(ctx, snapshot); err != nil {
			log.Warn().Err(err).Str("job_id", snapshot.ID).Str("status", string(snapshot.Status)).Msg("persist job")
		}
		cancel()
	}
}

func (m *Manager) publishLocked(job Job) {
	subs := m.subscribers[job.ID]
	if len(subs) == 0 {
		return
	}
	p := job.Progress()
	for subID, ch := range subs {
		select {
		case <-ch:
		default:
		}
		ch <- p
		if p.Done {
			close(ch)
			delete(subs, subID)
		}
	}
	if len(subs) == 0 {
		delete(m.subscribers, job.ID)
	}
}
