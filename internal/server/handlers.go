package server

import (
	"encoding/json"
	"net/http"

	"github.com/redinklabs/redink-core/pkg/devices"
	"github.com/redinklabs/redink-core/pkg/domain"
)

type bindRequest struct {
	ConfigType string `json:"type"`
	Provider   string `json:"provider,omitempty"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

type bindResponse struct {
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

type validateRequest struct {
	ConfigType string `json:"type"`
	Provider   string `json:"provider,omitempty"`
	DeviceID   string `json:"device_id"`
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type statusResponse struct {
	Valid bool `json:"valid"`
}

type listResponse struct {
	Provider string                 `json:"provider"`
	Devices  []domain.DeviceBinding `json:"devices"`
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "malformed request body",
		})
		return
	}
	if req.DeviceID == "" {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "device_id is required",
		})
		return
	}

	store, ok := s.store(req.ConfigType)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = store.ActiveProvider(r.Context())
	}

	outcome, err := store.Bind(r.Context(), provider, req.DeviceID, req.DeviceName)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	msg := "device bound"
	if outcome == devices.BindingRenewed {
		msg = "device binding renewed"
	}
	s.writeJSON(w, http.StatusOK, bindResponse{Outcome: string(outcome), Message: msg})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "malformed request body",
		})
		return
	}

	store, ok := s.store(req.ConfigType)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = store.ActiveProvider(r.Context())
	}

	if err := store.Validate(r.Context(), provider, req.DeviceID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true, Message: "validation passed"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r.URL.Query().Get("type"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = store.ActiveProvider(r.Context())
	}

	bindings, err := store.List(r.Context(), provider)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse{Provider: provider, Devices: bindings})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r.URL.Query().Get("type"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "device_id is required",
		})
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = store.ActiveProvider(r.Context())
	}

	// Read-only: status polling must not refresh last_used.
	valid := store.CheckValid(r.Context(), provider, deviceID)
	s.writeJSON(w, http.StatusOK, statusResponse{Valid: valid})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r.URL.Query().Get("type"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}
	deviceID := r.PathValue("deviceID")
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = store.ActiveProvider(r.Context())
	}

	if err := store.Remove(r.Context(), provider, deviceID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true, Message: "device removed"})
}

func (s *Server) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	configType := r.PathValue("configType")
	if _, ok := s.stores[configType]; !ok {
		s.writeError(w, r, http.StatusNotFound, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}

	doc, found, err := s.tiered.Load(r.Context(), configType)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !found {
		doc = domain.DefaultDocument()
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutProviders(w http.ResponseWriter, r *http.Request) {
	configType := r.PathValue("configType")
	if _, ok := s.stores[configType]; !ok {
		s.writeError(w, r, http.StatusNotFound, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "unknown config type",
		})
		return
	}

	doc := &domain.ProviderDocument{}
	if err := json.NewDecoder(r.Body).Decode(doc); err != nil {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code: "BAD_REQUEST", Message: "malformed provider document",
		})
		return
	}
	if doc.Providers == nil {
		doc.Providers = map[string]*domain.ProviderEntry{}
	}

	if err := s.tiered.Save(r.Context(), configType, doc); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true, Message: "provider config saved"})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	s.writeError(w, r, statusFor(kind), domain.ErrorResponse{
		Code:    string(kind),
		Message: err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
