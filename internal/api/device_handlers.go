package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/command"
	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/registry"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// ========== Device handlers ==========

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var status *models.DeviceStatus
	if st := r.URL.Query().Get("status"); st != "" {
		ds := models.DeviceStatus(st)
		if !ds.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		status = &ds
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	devices, total, err := s.registry.List(ctx, status, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"device":    device,
		"connected": s.channels.Connected(id),
	})
}

// HandleUpdateDevice updates device metadata and config.
// Status and enrollment fields are not writable here.
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req struct {
		Name     *string          `json:"name,omitempty"`
		RoomName *string          `json:"roomName,omitempty"`
		Location *string          `json:"location,omitempty"`
		Config   models.Variables `json:"config,omitempty"`

		// Rejected when present
		Status      *string `json:"status,omitempty"`
		EnrollToken *string `json:"enrollToken,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Status != nil || req.EnrollToken != nil {
		s.respondError(w, http.StatusBadRequest, "status and enrollment fields are read-only")
		return
	}

	device, err := s.registry.Update(ctx, id, registry.UpdatePatch{
		Name:     req.Name,
		RoomName: req.RoomName,
		Location: req.Location,
		Config:   req.Config,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device. Provisioning devices need
// ?cancel=true; connected devices are refused.
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	cancel := r.URL.Query().Get("cancel") == "true"

	if err := s.registry.Delete(ctx, id, cancel); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, registry.ErrConflict):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Command handlers ==========

// HandleSendCommand dispatches a command to a device
func (s *RESTServer) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req struct {
		Command string           `json:"command" validate:"required,min=1,max=100"`
		Params  models.Variables `json:"params,omitempty"`
		Queue   bool             `json:"queue,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Device must exist before we touch the dispatcher
	if _, err := s.registry.Get(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.dispatcher.Send(ctx, id, req.Command, req.Params, command.SendOptions{Queue: req.Queue})
	if err != nil {
		if errors.Is(err, command.ErrUnreachable) {
			// Not delivered; the result body says whether it was queued
			s.respondJSON(w, http.StatusServiceUnavailable, result)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusAccepted, result)
}
