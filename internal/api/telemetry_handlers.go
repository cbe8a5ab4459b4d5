package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// ========== Telemetry handlers ==========

// HandleIngestTelemetry accepts a telemetry batch over HTTP. This is the
// fallback path for devices without a live channel; duplicates are
// counted, not errors.
func (s *RESTServer) HandleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		DeviceID uuid.UUID `json:"deviceId" validate:"required"`
		Events   []struct {
			Seq       int64            `json:"seq"`
			Type      string           `json:"type"`
			Timestamp time.Time        `json:"timestamp"`
			Payload   models.Variables `json:"payload,omitempty"`
		} `json:"events"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.registry.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if device.IsProvisioning() {
		s.respondError(w, http.StatusConflict, "device not enrolled")
		return
	}

	accepted := 0
	duplicates := 0
	for _, e := range req.Events {
		event := &models.TelemetryEvent{
			DeviceID:  req.DeviceID,
			Seq:       e.Seq,
			Type:      models.TelemetryType(e.Type),
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		}
		if err := s.reconstructor.Ingest(ctx, event); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				duplicates++
				continue
			}
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		accepted++
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":   accepted,
		"duplicates": duplicates,
	})
}

// HandleListDeviceTelemetry lists a device's raw telemetry log
func (s *RESTServer) HandleListDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	filters := storage.TelemetryFilters{DeviceID: &id}
	if t := r.URL.Query().Get("type"); t != "" {
		tt := models.TelemetryType(t)
		filters.Type = &tt
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	events, total, err := s.store.ListTelemetry(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Session handlers ==========

// HandleListDeviceSessions lists reconstructed sessions for a device
func (s *RESTServer) HandleListDeviceSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	filters := storage.SessionFilters{DeviceID: &id}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filters.StartTime = &t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filters.EndTime = &t
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, total, err := s.store.ListSessions(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

// HandleRebuildSessions replays the telemetry log into a fresh session
// cache for a device
func (s *RESTServer) HandleRebuildSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	if _, err := s.registry.Get(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.reconstructor.Rebuild(ctx, id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "rebuilt",
	})
}
