package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/config"
	"github.com/ent0n29/voicestudio/internal/observability"
	"github.com/ent0n29/voicestudio/internal/studio"
)

type Server struct {
	cfg      config.Config
	studio   *studio.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	// Progress stream cadence.
	pollInterval time.Duration
	heartbeat    time.Duration
}

func New(cfg config.Config, svc *studio.Service, metrics *observability.Metrics) *Server {
	allowAny := cfg.Server.AllowAnyOrigin
	return &Server{
		cfg:          cfg,
		studio:       svc,
		metrics:      metrics,
		pollInterval: 300 * time.Millisecond,
		heartbeat:    2 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/switch_model", s.handleSwitchModel)
		r.Get("/speakers", s.handleSpeakers)
		r.Post("/upload_temp", s.handleUpload)
		r.Post("/transcribe", s.handleTranscribe)
		r.Get("/audio/{filename}", s.handleAudio)

		r.Post("/generate", s.handleGenerate)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/stream", s.handleJobStream)
		r.Get("/perf/stages", s.handlePerfStages)

		r.Get("/personalities", s.handleListPersonalities)
		r.Post("/personalities", s.handleCreatePersonality)
		r.Post("/personalities/smart", s.handleCreateSmartPersonality)
		r.Get("/personalities/{name}", s.handleGetPersonality)
		r.Delete("/personalities/{name}", s.handleDeletePersonality)
		r.Get("/personalities/{name}/audio/{tag}", s.handlePersonalityAudio)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"job_store_mode": s.studio.StoreMode(),
		"model_loaded":   s.studio.Status().Kind.String(),
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
