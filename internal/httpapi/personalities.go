package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicestudio/internal/personality"
	"github.com/ent0n29/voicestudio/internal/studio"
)

func (s *Server) handleListPersonalities(w http.ResponseWriter, _ *http.Request) {
	list, err := s.studio.Personalities()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"personalities": list})
}

func (s *Server) handleGetPersonality(w http.ResponseWriter, r *http.Request) {
	rec, err := s.studio.Personality(chi.URLParam(r, "name"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreatePersonality(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                 `json:"name"`
		Emotions []studio.EmotionUpload `json:"emotions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.studio.CreatePersonality(r.Context(), req.Name, req.Emotions)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCreateSmartPersonality(w http.ResponseWriter, r *http.Request) {
	var req studio.SmartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	job, err := s.studio.StartSmartPersonality(req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}

func (s *Server) handleDeletePersonality(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := s.studio.DeletePersonality(name)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "not_found", personality.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true, "name": personality.SanitizeName(name)})
}

func (s *Server) handlePersonalityAudio(w http.ResponseWriter, r *http.Request) {
	path, err := s.studio.PersonalityAudio(chi.URLParam(r, "name"), chi.URLParam(r, "tag"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	serveAudio(w, r, path)
}
