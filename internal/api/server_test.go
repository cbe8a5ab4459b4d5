package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/roomlink-server/roomlink-server-pro/internal/channel"
	"github.com/roomlink-server/roomlink-server-pro/internal/command"
	"github.com/roomlink-server/roomlink-server-pro/internal/config"
	"github.com/roomlink-server/roomlink-server-pro/internal/enrollment"
	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/registry"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
	"github.com/roomlink-server/roomlink-server-pro/internal/telemetry"
)

func newTestServer(t *testing.T) (*RESTServer, *storage.MemoryStore) {
	t.Helper()

	cfg := &config.Config{}
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.AccessTokenTTL = 15 * time.Minute
	cfg.JWT.RefreshTokenTTL = 7 * 24 * time.Hour

	store := storage.NewMemoryStore()
	reg := registry.New(store, nil)
	issuer := enrollment.NewIssuer(store, nil, 24*time.Hour)
	reconstructor := telemetry.NewReconstructor(store, nil, 12*time.Hour, 5*time.Second)
	channels := channel.NewManager(reg, reconstructor, 30*time.Second, 90*time.Second)
	reg.SetPresence(channels)
	dispatcher := command.NewDispatcher(channels, store, 10*time.Minute)

	server := NewRESTServer(cfg, store, Deps{
		Registry:      reg,
		Issuer:        issuer,
		Channels:      channels,
		Dispatcher:    dispatcher,
		Reconstructor: reconstructor,
	})
	return server, store
}

func seedOperator(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	user := &models.User{
		Email:    "ops@example.com",
		Username: "ops@example.com",
		IsAdmin:  true,
		IsActive: true,
		Settings: models.Variables{"password": "hunter22"},
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed operator: %v", err)
	}
}

func doJSON(t *testing.T, server *RESTServer, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, server *RESTServer) string {
	t.Helper()

	rec := doJSON(t, server, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "hunter22",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	server, store := newTestServer(t)
	seedOperator(t, store)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOperatorRoutesRequireAuth(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/devices", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestEnrollmentFlow(t *testing.T) {
	server, store := newTestServer(t)
	seedOperator(t, store)
	bearer := login(t, server)

	// Operator mints a token
	rec := doJSON(t, server, http.MethodPost, "/api/v1/enroll-token", bearer, map[string]interface{}{
		"roomName": "Boardroom",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue token: %d %s", rec.Code, rec.Body.String())
	}

	var issued struct {
		Token    string `json:"token"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	if issued.Token == "" {
		t.Fatal("expected a token")
	}

	// Device redeems it (no operator credentials)
	rec = doJSON(t, server, http.MethodPost, "/api/v1/enroll", "", map[string]interface{}{
		"token": issued.Token,
		"deviceInfo": map[string]interface{}{
			"platform": "linux-arm64",
			"version":  "2.4.1",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll: %d %s", rec.Code, rec.Body.String())
	}

	var enrolled struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &enrolled); err != nil {
		t.Fatalf("decode enroll response: %v", err)
	}
	if enrolled.DeviceID != issued.DeviceID {
		t.Fatal("enroll must return the pending device")
	}

	// A replay of the spent token is rejected
	rec = doJSON(t, server, http.MethodPost, "/api/v1/enroll", "", map[string]interface{}{
		"token": issued.Token,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("spent token replay: expected 401, got %d", rec.Code)
	}

	// The device shows up enrolled
	rec = doJSON(t, server, http.MethodGet, "/api/v1/devices/"+issued.DeviceID, bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get device: %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Device models.Device `json:"device"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if got.Device.Status != models.DeviceStatusOnline {
		t.Fatalf("expected online, got %s", got.Device.Status)
	}
}

func TestEnrollUnknownToken(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/enroll", "", map[string]interface{}{
		"token": "no-such-token",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUpdateDeviceRejectsStatusField(t *testing.T) {
	server, store := newTestServer(t)
	seedOperator(t, store)
	bearer := login(t, server)

	device := &models.Device{RoomName: "Boardroom", Status: models.DeviceStatusOffline}
	if err := store.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	rec := doJSON(t, server, http.MethodPut, "/api/v1/devices/"+device.ID.String(), bearer, map[string]interface{}{
		"status": "online",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}

	got, _ := store.GetDevice(context.Background(), device.ID)
	if got.Status != models.DeviceStatusOffline {
		t.Fatalf("status must not change, got %s", got.Status)
	}
}

func TestSendCommandToOfflineDevice(t *testing.T) {
	server, store := newTestServer(t)
	seedOperator(t, store)
	bearer := login(t, server)

	device := &models.Device{RoomName: "Boardroom", Status: models.DeviceStatusOffline}
	if err := store.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	rec := doJSON(t, server, http.MethodPost, "/api/v1/devices/"+device.ID.String()+"/command", bearer, map[string]interface{}{
		"command": "reboot",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rec.Code, rec.Body.String())
	}

	// Opting into queueing succeeds instead
	rec = doJSON(t, server, http.MethodPost, "/api/v1/devices/"+device.ID.String()+"/command", bearer, map[string]interface{}{
		"command": "reboot",
		"queue":   true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}

	var result command.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Queued || result.Accepted {
		t.Fatalf("expected a queued result, got %+v", result)
	}
}

func TestTelemetryBatchIngest(t *testing.T) {
	server, store := newTestServer(t)
	seedOperator(t, store)
	bearer := login(t, server)

	device := &models.Device{RoomName: "Boardroom", Status: models.DeviceStatusOnline}
	if err := store.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	now := time.Now().UTC()
	events := []map[string]interface{}{
		{"seq": 1, "type": "session-joined", "timestamp": now.Format(time.RFC3339Nano),
			"payload": map[string]interface{}{"meeting": "m-1"}},
		{"seq": 2, "type": "session-left", "timestamp": now.Add(10 * time.Minute).Format(time.RFC3339Nano),
			"payload": map[string]interface{}{"meeting": "m-1"}},
		// A replay of seq 1
		{"seq": 1, "type": "session-joined", "timestamp": now.Format(time.RFC3339Nano),
			"payload": map[string]interface{}{"meeting": "m-1"}},
	}

	rec := doJSON(t, server, http.MethodPost, "/api/v1/telemetry", "", map[string]interface{}{
		"deviceId": device.ID.String(),
		"events":   events,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Accepted   int `json:"accepted"`
		Duplicates int `json:"duplicates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 || resp.Duplicates != 1 {
		t.Fatalf("expected 2 accepted and 1 duplicate, got %+v", resp)
	}

	rec = doJSON(t, server, http.MethodGet, "/api/v1/devices/"+device.ID.String()+"/telemetry", bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list telemetry: %d %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Total != 2 {
		t.Fatalf("expected 2 stored events, got %d", listed.Total)
	}
}

func TestTelemetryIngestRejectsProvisioningDevice(t *testing.T) {
	server, store := newTestServer(t)

	token := "pending"
	device := &models.Device{
		RoomName:    "Boardroom",
		Status:      models.DeviceStatusProvisioning,
		EnrollToken: &token,
	}
	if err := store.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	rec := doJSON(t, server, http.MethodPost, "/api/v1/telemetry", "", map[string]interface{}{
		"deviceId": device.ID.String(),
		"events":   []map[string]interface{}{},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestMetricsSummaryEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	seedOperator(t, store)
	bearer := login(t, server)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/metrics/summary?period=24h", bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server, http.MethodGet, "/api/v1/metrics/summary?period=90d", bearer, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown period: expected 400, got %d", rec.Code)
	}
}
