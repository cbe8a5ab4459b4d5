package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
	"github.com/roomlink-server/roomlink-server-pro/pkg/crypto"
)

// Enrollment errors
var (
	// ErrInvalidRequest indicates missing or malformed issue metadata.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrExpired indicates the token is past its expiry; the device stays
	// in provisioning and the operator must reissue.
	ErrExpired = errors.New("token expired")
	// ErrAlreadyEnrolled indicates the device left provisioning while this
	// redemption was in flight (replay or lost race).
	ErrAlreadyEnrolled = errors.New("already enrolled")
)

// tokenBytes of entropy per enrollment token
const tokenBytes = 32

// Issuer mints and redeems single-use enrollment tokens. A token is a
// capability: it lives on the pending device record and is cleared
// exactly once, when the device enrolls.
type Issuer struct {
	store    storage.Store
	nc       *nats.Conn
	tokenTTL time.Duration

	now func() time.Time
}

// NewIssuer creates a token issuer with the given default token TTL
func NewIssuer(store storage.Store, nc *nats.Conn, tokenTTL time.Duration) *Issuer {
	return &Issuer{
		store:    store,
		nc:       nc,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// IssueRequest carries the operator-supplied room metadata
type IssueRequest struct {
	Name      string
	RoomName  string
	Location  *string
	ExpiresIn time.Duration // zero means the configured default
}

// IssueResult is the minted token and its pending device
type IssueResult struct {
	Token     string
	DeviceID  uuid.UUID
	ExpiresAt time.Time
}

// Issue creates a new device in provisioning with a fresh token
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.RoomName == "" {
		return nil, fmt.Errorf("%w: roomName is required", ErrInvalidRequest)
	}

	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = i.tokenTTL
	}

	token, err := crypto.GenerateRandomString(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	name := req.Name
	if name == "" {
		name = req.RoomName
	}

	expiresAt := i.now().Add(ttl)
	device := &models.Device{
		Name:           name,
		RoomName:       req.RoomName,
		Location:       req.Location,
		Status:         models.DeviceStatusProvisioning,
		EnrollToken:    &token,
		TokenExpiresAt: &expiresAt,
	}

	if err := i.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	i.logEvent(ctx, device.ID, models.EventTypeTokenIssued,
		fmt.Sprintf("Enrollment token issued for room %q", req.RoomName),
		models.Variables{"expiresAt": expiresAt})

	return &IssueResult{
		Token:     token,
		DeviceID:  device.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// Redeem exchanges a token for an enrolled, online device. The
// compare-and-clear lives in the store: with concurrent redemptions of
// the same token exactly one caller gets the device back.
func (i *Issuer) Redeem(ctx context.Context, token string, info models.DeviceInfo) (*models.Device, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	now := i.now()

	pending, err := i.store.GetDeviceByToken(ctx, token)
	if err != nil {
		return nil, err // storage.ErrNotFound for unknown tokens
	}

	if pending.TokenExpiresAt != nil && now.After(*pending.TokenExpiresAt) {
		// The device stays in provisioning; expiry is never silently
		// extended. The operator reissues instead.
		return nil, ErrExpired
	}

	device, err := i.store.RedeemToken(ctx, token, info, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The token existed a moment ago: a concurrent redemption won.
			return nil, ErrAlreadyEnrolled
		}
		return nil, err
	}

	i.logEvent(ctx, device.ID, models.EventTypeEnrolled,
		fmt.Sprintf("Device enrolled for room %q (%s %s)", device.RoomName, info.Platform, info.Version),
		models.Variables{"platform": info.Platform, "version": info.Version})

	i.publishEnrolled(device)

	return device, nil
}

// Reissue replaces the token of a still-provisioning device whose token
// expired or was lost
func (i *Issuer) Reissue(ctx context.Context, deviceID uuid.UUID) (*IssueResult, error) {
	device, err := i.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if !device.IsProvisioning() {
		return nil, ErrAlreadyEnrolled
	}

	token, err := crypto.GenerateRandomString(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	expiresAt := i.now().Add(i.tokenTTL)
	if err := i.store.SetEnrollToken(ctx, deviceID, token, expiresAt); err != nil {
		return nil, err
	}

	i.logEvent(ctx, deviceID, models.EventTypeTokenIssued,
		"Enrollment token reissued",
		models.Variables{"expiresAt": expiresAt})

	return &IssueResult{
		Token:     token,
		DeviceID:  deviceID,
		ExpiresAt: expiresAt,
	}, nil
}

// Cancel deletes a still-provisioning device and its pending token
func (i *Issuer) Cancel(ctx context.Context, deviceID uuid.UUID) error {
	device, err := i.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	if !device.IsProvisioning() {
		return ErrAlreadyEnrolled
	}

	return i.store.DeleteDevice(ctx, deviceID)
}

// logEvent writes an event log row, logging failures instead of failing
// the enrollment operation
func (i *Issuer) logEvent(ctx context.Context, deviceID uuid.UUID, eventType models.EventType, description string, details models.Variables) {
	entry := &models.EventLog{
		DeviceID:    &deviceID,
		Type:        eventType,
		Level:       models.EventLevelInfo,
		Description: description,
		Details:     details,
	}
	if err := i.store.CreateEventLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("device_id", deviceID.String()).Msg("Failed to write enrollment event")
	}
}

// publishEnrolled tells the rest of the system the device may now open a
// channel
func (i *Issuer) publishEnrolled(device *models.Device) {
	if i.nc == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"deviceId": device.ID,
		"roomName": device.RoomName,
		"platform": device.Platform,
		"version":  device.Version,
	})
	if err != nil {
		return
	}

	subject := fmt.Sprintf("device.%s.enrolled", device.ID)
	if err := i.nc.Publish(subject, payload); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish enrollment")
	}
}
