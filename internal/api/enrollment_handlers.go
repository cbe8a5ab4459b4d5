package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/enrollment"
	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// ========== Enrollment handlers ==========

// HandleIssueToken mints an enrollment token for a new device
func (s *RESTServer) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string  `json:"name"`
		RoomName       string  `json:"roomName" validate:"required,min=1,max=200"`
		Location       *string `json:"location,omitempty"`
		ExpiresInHours int     `json:"expiresInHours" validate:"min=0"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.issuer.Issue(r.Context(), enrollment.IssueRequest{
		Name:      req.Name,
		RoomName:  req.RoomName,
		Location:  req.Location,
		ExpiresIn: time.Duration(req.ExpiresInHours) * time.Hour,
	})
	if err != nil {
		if errors.Is(err, enrollment.ErrInvalidRequest) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"token":     result.Token,
		"deviceId":  result.DeviceID,
		"expiresAt": result.ExpiresAt,
	})
}

// HandleEnroll redeems an enrollment token. Called by the device itself;
// the token is the only credential.
func (s *RESTServer) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string            `json:"token" validate:"required"`
		DeviceInfo models.DeviceInfo `json:"deviceInfo"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := s.issuer.Redeem(r.Context(), req.Token, req.DeviceInfo)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, http.StatusUnauthorized, "unknown enrollment token")
		case errors.Is(err, enrollment.ErrExpired):
			s.respondError(w, http.StatusUnauthorized, "enrollment token expired")
		case errors.Is(err, enrollment.ErrAlreadyEnrolled):
			s.respondError(w, http.StatusConflict, "token already redeemed")
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"deviceId": device.ID,
		"roomName": device.RoomName,
		"config":   device.Config,
	})
}

// HandleReissueToken replaces the token of a still-provisioning device
func (s *RESTServer) HandleReissueToken(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	result, err := s.issuer.Reissue(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, enrollment.ErrAlreadyEnrolled):
			s.respondError(w, http.StatusConflict, "device already enrolled")
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":     result.Token,
		"deviceId":  result.DeviceID,
		"expiresAt": result.ExpiresAt,
	})
}
