package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/memory"
)

type addMemoryRequest struct {
	Text      string `json:"text"`
	Type      string `json:"type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	entries, err := s.Memories.List(r.Context(), p.TenantKey())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": entries})
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "text is required")
		return
	}
	if req.Type == memory.TypeShared {
		writeError(w, http.StatusForbidden, codeForbidden, "shared memory requires the admin endpoint")
		return
	}
	p := principal(r)

	entry, err := s.Memories.Add(r.Context(), p.TenantKey(), req.Text, memory.Metadata{
		Type:      req.Type,
		SessionID: req.SessionID,
		Role:      req.Role,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := s.Memories.Delete(r.Context(), p.TenantKey(), chi.URLParam(r, "id")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSharedMemory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Memories.List(r.Context(), auth.SharedTenantKey)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": entries})
}

func (s *Server) handleAddSharedMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "text is required")
		return
	}

	entry, err := s.Memories.AddShared(r.Context(), req.Text, memory.Metadata{Type: req.Type})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteSharedMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.Memories.Delete(r.Context(), auth.SharedTenantKey, chi.URLParam(r, "id")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
