package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	jobs    map[string]Job
	history []Status
	delay   func(Job) time.Duration
	listErr error
}

func newMemStore() *memStore { return &memStore{jobs: map[string]Job{}} }

func (s *memStore) SaveJob(_ context.Context, job Job) error {
	if s.delay != nil {
		time.Sleep(s.delay(job))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.history = append(s.history, job.Status)
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrStoreNotFound
	}
	return job, nil
}

func (s *memStore) ListJobs(_ context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.history...)
}

func (s *memStore) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(nil)
	job := m.Create(KindGenerate, "hello")
	assert.Equal(t, StatusQueued, job.Status)

	_, err := m.Start(job.ID)
	require.NoError(t, err)
	require.NoError(t, m.Update(job.ID, "Generating audio", 40, 3))
	require.NoError(t, m.AddWarning(job.ID, "unknown tag"))

	done, err := m.Complete(job.ID, "/api/audio/x.wav")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Percent)
	assert.Equal(t, []string{"unknown tag"}, done.Warnings)
	assert.NotNil(t, done.EndedAt)

	p, err := m.Snapshot(job.ID)
	require.NoError(t, err)
	assert.True(t, p.Done)
	assert.Equal(t, "/api/audio/x.wav", p.Result)

	_, err = m.Fail(job.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidJobState)
	assert.ErrorIs(t, m.Update(job.ID, "again", 10, 0), ErrInvalidJobState)
}

func TestManagerProgressNeverDecreases(t *testing.T) {
	m := NewManager(nil)
	job := m.Create(KindGenerate, "x")
	_, err := m.Start(job.ID)
	require.NoError(t, err)

	require.NoError(t, m.Update(job.ID, "a", 50, 0))
	require.NoError(t, m.Update(job.ID, "b", 20, 0))
	require.NoError(t, m.Update(job.ID, "c", 150, -4))

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Percent)
	assert.Equal(t, "c", got.Stage)
	assert.Equal(t, 0, got.ETA)
}

func TestManagerStartTwiceRejected(t *testing.T) {
	m := NewManager(nil)
	job := m.Create(KindSmartPersonality, "x")
	_, err := m.Start(job.ID)
	require.NoError(t, err)
	_, err = m.Start(job.ID)
	assert.ErrorIs(t, err, ErrInvalidJobState)
}

func TestManagerUnknownJob(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, _, err = m.Subscribe("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.Update("nope", "", 1, 0), ErrJobNotFound)
}

func TestSubscribeDeliversLatestAndCloses(t *testing.T) {
	m := NewManager(nil)
	job := m.Create(KindGenerate, "x")
	ch, cancel, err := m.Subscribe(job.ID)
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	assert.Equal(t, StatusQueued, first.Status)

	_, err = m.Start(job.ID)
	require.NoError(t, err)
	for pct := 10; pct <= 60; pct += 10 {
		require.NoError(t, m.Update(job.ID, "step", pct, 0))
	}
	latest := <-ch
	assert.Equal(t, 60, latest.Percent)

	_, err = m.Cancel(job.ID, "")
	require.NoError(t, err)
	final := <-ch
	assert.True(t, final.Done)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, "cancelled", final.Error)

	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeToFinishedJob(t *testing.T) {
	m := NewManager(nil)
	job := m.Create(KindGenerate, "x")
	_, err := m.Fail(job.ID, "boom")
	require.NoError(t, err)

	ch, _, err := m.Subscribe(job.ID)
	require.NoError(t, err)
	p := <-ch
	assert.True(t, p.Done)
	assert.Equal(t, "boom", p.Error)
	_, open := <-ch
	assert.False(t, open)
}

func TestManagerPersistsAndFallsBackToStore(t *testing.T) {
	store := newMemStore()
	m := NewManager(nil)
	m.SetStore(store)
	job := m.Create(KindGenerate, "x")
	_, err := m.Complete(job.ID, "/api/audio/a.wav")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return store.status(job.ID) == StatusCompleted }, time.Second, 10*time.Millisecond)

	other := NewManager(nil)
	other.SetStore(store)
	got, err := other.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/api/audio/a.wav", got.Result)
}

func TestManagerEvictsOldestFinishedJobs(t *testing.T) {
	m := NewManager(nil)
	m.retainMax = 3
	running := m.Create(KindGenerate, "keep")
	var finished []string
	for i := 0; i < 4; i++ {
		j := m.Create(KindGenerate, "done")
		_, err := m.Complete(j.ID, "")
		require.NoError(t, err)
		finished = append(finished, j.ID)
	}
	m.Create(KindGenerate, "new")

	_, err := m.Get(running.ID)
	assert.NoError(t, err)
	_, err = m.Get(finished[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Len(t, m.List(10), 3)
	assert.Equal(t, 2, m.Active())
}

func TestManagerPersistsStateChangesInOrder(t *testing.T) {
	store := newMemStore()
	// The first write is the slowest, so unordered writers would let it land last.
	store.delay = func(job Job) time.Duration {
		if job.Status == StatusQueued {
			return 50 * time.Millisecond
		}
		return 0
	}
	m := NewManager(nil)
	m.SetStore(store)

	job := m.Create(KindGenerate, "x")
	_, err := m.Start(job.ID)
	require.NoError(t, err)
	_, err = m.Complete(job.ID, "/api/audio/a.wav")
	require.NoError(t, err)
	m.Close()

	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusCompleted}, store.statuses())
	assert.Equal(t, StatusCompleted, store.status(job.ID))

	// Writes after Close are dropped rather than panicking on a closed queue.
	late := m.Create(KindGenerate, "late")
	assert.Equal(t, StatusQueued, late.Status)
	assert.Len(t, store.statuses(), 3)
}

func TestManagerListMergesStoredHistory(t *testing.T) {
	store := newMemStore()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old-1", "old-2"} {
		require.NoError(t, store.SaveJob(context.Background(), Job{
			ID:        id,
			Kind:      KindGenerate,
			Status:    StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	m := NewManager(nil)
	m.SetStore(store)
	fresh := m.Create(KindGenerate, "fresh")
	_, err := m.Start(fresh.ID)
	require.NoError(t, err)
	m.Close()

	// Memory wins over the stored copy of the same job.
	stale := fresh
	stale.Status = StatusQueued
	require.NoError(t, store.SaveJob(context.Background(), stale))

	list := m.List(10)
	require.Len(t, list, 3)
	assert.Equal(t, fresh.ID, list[0].ID)
	assert.Equal(t, StatusRunning, list[0].Status)
	assert.Equal(t, "old-2", list[1].ID)
	assert.Equal(t, "old-1", list[2].ID)

	assert.Len(t, m.List(2), 2)

	restarted := NewManager(nil)
	restarted.SetStore(store)
	defer restarted.Close()
	assert.Len(t, restarted.List(10), 3)

	store.mu.Lock()
	store.listErr = errors.New("connection refused")
	store.mu.Unlock()
	list = m.List(10)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
}
