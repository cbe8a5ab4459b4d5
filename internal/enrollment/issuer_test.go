package enrollment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

func newTestIssuer(t *testing.T) (*Issuer, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewIssuer(store, nil, 24*time.Hour), store
}

func TestIssueRequiresRoomName(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	_, err := issuer.Issue(context.Background(), IssueRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestIssueCreatesProvisioningDevice(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	device, err := store.GetDevice(ctx, result.DeviceID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Status != models.DeviceStatusProvisioning {
		t.Fatalf("expected provisioning, got %s", device.Status)
	}
	if device.EnrollToken == nil || *device.EnrollToken != result.Token {
		t.Fatal("token not stored on the pending device")
	}
	if device.Name != "Boardroom" {
		t.Fatalf("name should default to the room name, got %q", device.Name)
	}
}

func TestRedeemFlipsDeviceOnline(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	info := models.DeviceInfo{Platform: "linux-arm64", Version: "2.4.1"}
	device, err := issuer.Redeem(ctx, result.Token, info)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if device.Status != models.DeviceStatusOnline {
		t.Fatalf("expected online, got %s", device.Status)
	}
	if device.Platform != "linux-arm64" || device.Version != "2.4.1" {
		t.Fatal("device info not merged at enrollment")
	}
	if device.LastSeenAt == nil {
		t.Fatal("last seen should be set at enrollment")
	}

	stored, err := store.GetDevice(ctx, result.DeviceID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if stored.EnrollToken != nil || stored.TokenExpiresAt != nil {
		t.Fatal("token must be cleared after redemption")
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	_, err := issuer.Redeem(context.Background(), "no-such-token", models.DeviceInfo{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemExpiredToken(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	issued := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return issued }

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom", ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// One second past expiry
	issuer.now = func() time.Time { return issued.Add(time.Hour + time.Second) }

	_, err = issuer.Redeem(ctx, result.Token, models.DeviceInfo{})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// The device stays pending and untouched
	device, err := store.GetDevice(ctx, result.DeviceID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Status != models.DeviceStatusProvisioning {
		t.Fatalf("expired redemption must not change status, got %s", device.Status)
	}
	if device.EnrollToken == nil {
		t.Fatal("expired token must not be cleared")
	}
}

func TestRedeemTokenAtExpiryBoundary(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	issued := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return issued }

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom", ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Exactly at the expiry instant the token is still valid
	issuer.now = func() time.Time { return issued.Add(time.Hour) }

	if _, err := issuer.Redeem(ctx, result.Token, models.DeviceInfo{}); err != nil {
		t.Fatalf("redeem at boundary: %v", err)
	}
}

func TestConcurrentRedeemExactlyOneWinner(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const redeemers = 16

	var wg sync.WaitGroup
	errs := make([]error, redeemers)
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = issuer.Redeem(ctx, result.Token, models.DeviceInfo{Platform: "linux"})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyEnrolled), errors.Is(err, storage.ErrNotFound):
			// losers: the token was consumed before (or while) they redeemed
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	device, err := store.GetDevice(ctx, result.DeviceID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Status != models.DeviceStatusOnline {
		t.Fatalf("device should be online after the race, got %s", device.Status)
	}
	if device.EnrollToken != nil {
		t.Fatal("token must be cleared exactly once")
	}
}

func TestReissueReplacesToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	reissued, err := issuer.Reissue(ctx, result.DeviceID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if reissued.Token == result.Token {
		t.Fatal("reissue must mint a fresh token")
	}

	// The replaced token is dead
	if _, err := issuer.Redeem(ctx, result.Token, models.DeviceInfo{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old token should be unknown, got %v", err)
	}

	// The new one works
	if _, err := issuer.Redeem(ctx, reissued.Token, models.DeviceInfo{}); err != nil {
		t.Fatalf("redeem reissued token: %v", err)
	}
}

func TestReissueRejectsEnrolledDevice(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Redeem(ctx, result.Token, models.DeviceInfo{}); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if _, err := issuer.Reissue(ctx, result.DeviceID); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestCancelRemovesPendingDevice(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	result, err := issuer.Issue(ctx, IssueRequest{RoomName: "Boardroom"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := issuer.Cancel(ctx, result.DeviceID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.GetDevice(ctx, result.DeviceID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("device should be gone, got %v", err)
	}
}
