package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicestudio/internal/modelhost"
)

type statusResponse struct {
	ModelLoaded *string `json:"model_loaded"`
	VRAMUsedGB  float64 `json:"vram_used_gb"`
	VRAMUsed    string  `json:"vram_used"`
}

func newStatusResponse(st modelhost.Status) statusResponse {
	resp := statusResponse{
		VRAMUsedGB: st.MemoryGB(),
		VRAMUsed:   humanize.IBytes(uint64(max(st.MemoryBytes, 0))),
	}
	if st.Kind != modelhost.KindNone {
		kind := string(st.Kind)
		resp.ModelLoaded = &kind
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, newStatusResponse(s.studio.Status()))
}

func (s *Server) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	st, err := s.studio.SwitchModel(r.Context(), req.Model)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newStatusResponse(st))
}

func (s *Server) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"speakers": s.studio.Speakers()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	name, err := s.studio.SaveUpload(header.Filename, file)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"filename": name})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string   `json:"filename"`
		Start    *float64 `json:"start"`
		End      *float64 `json:"end"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text, err := s.studio.Transcribe(r.Context(), req.Filename, req.Start, req.End)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	path, err := s.studio.OutputPath(chi.URLParam(r, "filename"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	serveAudio(w, r, path)
}

func serveAudio(w http.ResponseWriter, r *http.Request, path string) {
	switch {
	case strings.HasSuffix(path, ".mp3"):
		w.Header().Set("Content-Type", "audio/mpeg")
	case strings.HasSuffix(path, ".wav"):
		w.Header().Set("Content-Type", "audio/wav")
	}
	http.ServeFile(w, r, path)
}
