package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/jobs"
	"github.com/ent0n29/voicestudio/internal/studio"
)

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		studio.GenerateRequest
		ExpectedModel string `json:"expected_model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	gen := req.GenerateRequest
	if strings.TrimSpace(gen.Mode) == "" {
		gen.Mode = req.ExpectedModel
	}
	job, err := s.studio.StartGeneration(gen)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": s.studio.Jobs(limit)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.studio.Job(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.studio.CancelJob(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// streamFrame is one progress message on the job websocket.
type streamFrame struct {
	Type       string `json:"type"`
	Percent    int    `json:"percent"`
	Stage      string `json:"stage,omitempty"`
	ETASeconds int    `json:"eta_seconds"`
	Done       bool   `json:"done"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

func frameOf(p jobs.Progress, heartbeat bool) streamFrame {
	f := streamFrame{
		Type:       "progress",
		Percent:    p.Percent,
		Stage:      p.Stage,
		ETASeconds: p.ETASeconds,
		Done:       p.Done,
	}
	switch {
	case heartbeat:
		f.Type = "heartbeat"
	case p.Done && p.Status == jobs.StatusCompleted:
		f.Type = "done"
		f.Percent = 100
		f.Result = p.Result
	case p.Done:
		f.Type = "error"
		f.Error = p.Error
	}
	return f
}

// handleJobStream forwards a job's progress until its terminal frame. Values
// are coalesced to one frame per poll interval; an unchanged value is re-sent
// as a heartbeat once the heartbeat interval passes.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updates, unsubscribe, err := s.studio.SubscribeJob(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Drain client frames so close and ping control messages are handled.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(f streamFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(f); err != nil {
			log.Debug().Err(err).Str("job_id", id).Msg("job stream write failed")
			return false
		}
		s.metrics.ObserveWSMessage(f.Type)
		return true
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	var (
		pending  *jobs.Progress
		last     jobs.Progress
		sent     bool
		lastSend time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			if p.Done {
				if write(frameOf(p, false)) {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
						time.Now().Add(time.Second))
				}
				return
			}
			pending = &p
		case now := <-ticker.C:
			switch {
			case pending != nil && (!sent || pending.Percent != last.Percent || pending.Stage != last.Stage):
				if !write(frameOf(*pending, false)) {
					return
				}
				last, sent, lastSend, pending = *pending, true, now, nil
			case sent && now.Sub(lastSend) >= s.heartbeat:
				if !write(frameOf(last, true)) {
					return
				}
				lastSend = now
			}
		}
	}
}

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}
