package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/channel"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// HandleDeviceChannel upgrades a device connection to its realtime channel
func (s *RESTServer) HandleDeviceChannel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	// Reject before upgrade so the device sees an HTTP status, not a
	// websocket close
	device, err := s.registry.Get(r.Context(), id)
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

	protoVersion := r.URL.Query().Get("v")
	if protoVersion == "" {
		protoVersion = "1"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Warn().Err(err).Str("device_id", id.String()).Msg("Websocket upgrade failed")
		return
	}

	if _, err := s.channels.Accept(r.Context(), id, channel.NewWebsocketConn(conn), protoVersion); err != nil {
		log.Warn().Err(err).Str("device_id", id.String()).Msg("Channel not accepted")
		conn.Close()
		return
	}
}
