package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/chimera"
	"github.com/ent0n29/voicestudio/internal/forge"
	"github.com/ent0n29/voicestudio/internal/jobs"
	"github.com/ent0n29/voicestudio/internal/modelhost"
	"github.com/ent0n29/voicestudio/internal/personality"
	"github.com/ent0n29/voicestudio/internal/script"
	"github.com/ent0n29/voicestudio/internal/studio"
)

// classify maps domain errors onto HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case isAny(err, jobs.ErrJobNotFound, modelhost.ErrModelNotFound, modelhost.ErrUnknownSpeaker,
		personality.ErrNotFound, studio.ErrFileNotFound):
		return http.StatusNotFound, "not_found"
	case isAny(err, personality.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case isAny(err, jobs.ErrInvalidJobState):
		return http.StatusConflict, "invalid_job_state"
	case isAny(err, modelhost.ErrNoModelLoaded, modelhost.ErrModelMismatch, modelhost.ErrClosed):
		return http.StatusServiceUnavailable, "model_unavailable"
	case isAny(err, modelhost.ErrBackend, modelhost.ErrTranscription):
		return http.StatusBadGateway, "backend_failure"
	case isAny(err, chimera.ErrInvalidParameters, modelhost.ErrInvalidRequest, personality.ErrInvalidName,
		personality.ErrInvalidEmotion, forge.ErrInvalidRequest, script.ErrEmptyScript,
		script.ErrNoEmotionsAvailable, studio.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case isAny(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func respondServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondError(w, status, code, err.Error())
}
