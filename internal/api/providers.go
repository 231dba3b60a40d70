// ABOUTME: Provider registry handlers for the control API
// ABOUTME: Responses carry hasKey flags only; raw keys are write-only over HTTP

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-bridge/internal/provider"
)

// ProviderList is the result of GET /api/providers.
type ProviderList struct {
	Providers           []provider.KeyInfo `json:"providers"`
	Default             string             `json:"default,omitempty"`
	EncryptionAvailable bool               `json:"encryptionAvailable"`
}

// SaveProviderRequest is the body of PUT /api/providers/{id}. The ID comes
// from the path.
type SaveProviderRequest struct {
	Type     provider.Type     `json:"type"`
	Name     string            `json:"name"`
	BaseURL  string            `json:"baseUrl,omitempty"`
	Model    string            `json:"model,omitempty"`
	Enabled  bool              `json:"enabled"`
	Metadata map[string]string `json:"metadata,omitempty"`
	APIKey   string            `json:"apiKey,omitempty"`
}

// KeyRequest carries a key for set and validate.
type KeyRequest struct {
	APIKey string `json:"apiKey"`
}

// DefaultRequest is the body of PUT /api/providers/default.
type DefaultRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Providers.ListWithKeyInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := s.opts.Providers.Default(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, ProviderList{
		Providers:           list,
		Default:             def,
		EncryptionAvailable: s.opts.Providers.EncryptionAvailable(),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.opts.Providers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	has, err := s.opts.Providers.HasAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, provider.KeyInfo{Config: cfg, HasKey: has})
}

func (s *Server) handleSaveProvider(w http.ResponseWriter, r *http.Request) {
	var req SaveProviderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg := provider.Config{
		ID:       chi.URLParam(r, "id"),
		Type:     req.Type,
		Name:     req.Name,
		BaseURL:  req.BaseURL,
		Model:    req.Model,
		Enabled:  req.Enabled,
		Metadata: req.Metadata,
	}
	saved, err := s.opts.Providers.Save(r.Context(), cfg, req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	has, err := s.opts.Providers.HasAPIKey(r.Context(), saved.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.providersChanged(r.Context())
	writeResult(w, provider.KeyInfo{Config: saved, HasKey: has})
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Providers.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.providersChanged(r.Context())
	writeResult(w, nil)
}

func (s *Server) handleHasKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.opts.Providers.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	has, err := s.opts.Providers.HasAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]bool{"hasKey": has})
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.opts.Providers.SetAPIKey(r.Context(), chi.URLParam(r, "id"), req.APIKey); err != nil {
		writeError(w, err)
		return
	}
	s.providersChanged(r.Context())
	writeResult(w, map[string]bool{"hasKey": true})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Providers.DeleteAPIKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.providersChanged(r.Context())
	writeResult(w, map[string]bool{"hasKey": false})
}

func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.opts.Providers.ValidateKey(r.Context(), chi.URLParam(r, "id"), req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, v)
}

func (s *Server) handleGetDefault(w http.ResponseWriter, r *http.Request) {
	def, err := s.opts.Providers.Default(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, DefaultRequest{ID: def})
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var req DefaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeBadRequest(w, "id is required")
		return
	}
	if err := s.opts.Providers.SetDefault(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	s.providersChanged(r.Context())
	writeResult(w, req)
}

func (s *Server) handleClearDefault(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Providers.ClearDefault(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.providersChanged(r.Context())
	writeResult(w, DefaultRequest{})
}
