package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaylink/relaylink/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertInstanceCreatesThenReuses(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	inst, err := s.UpsertInstance(ctx, "hash1", "abc.example.org", "a@b.com")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !strings.HasPrefix(inst.ID, "in_") {
		t.Fatalf("unexpected instance id %q", inst.ID)
	}
	if inst.Domain != "abc.example.org" {
		t.Fatalf("unexpected domain %q", inst.Domain)
	}

	// Re-registering with the same key keeps the original assignment.
	again, err := s.UpsertInstance(ctx, "hash1", "other.example.org", "a@b.com")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.ID != inst.ID {
		t.Fatalf("instance id changed: %q vs %q", again.ID, inst.ID)
	}
	if again.Domain != "abc.example.org" {
		t.Fatalf("stored assignment must win, got %q", again.Domain)
	}
	if again.LastSeenAt == nil {
		t.Fatal("last_seen_at not refreshed")
	}
}

func TestInstanceByAccessKeyHashNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.InstanceByAccessKeyHash(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown hash")
	}
}

func TestSessionTokenSingleUse(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	inst, err := s.UpsertInstance(ctx, "hash1", "abc.example.org", "a@b.com")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	token, err := s.CreateSessionToken(ctx, inst.ID, "a2V5", "aXY=", time.Minute)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if !strings.HasPrefix(token, "st_") {
		t.Fatalf("unexpected token %q", token)
	}

	got, err := s.ConsumeSessionToken(ctx, token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.InstanceID != inst.ID {
		t.Fatalf("consumed token maps to %q, want %q", got.InstanceID, inst.ID)
	}
	if got.AESKeyB64 != "a2V5" || got.AESIVB64 != "aXY=" {
		t.Fatalf("consumed token key material = %q/%q", got.AESKeyB64, got.AESIVB64)
	}
	if got.UsedAt == nil {
		t.Fatalf("consumed token missing used timestamp")
	}

	// Second consume must fail.
	if _, err := s.ConsumeSessionToken(ctx, token); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid on reuse, got %v", err)
	}
}

func TestSessionTokenExpiry(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.CreateSessionToken(ctx, "in_x", "a2V5", "aXY=", -time.Second)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := s.ConsumeSessionToken(ctx, token); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for expired token, got %v", err)
	}
}

func TestConsumeUnknownToken(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.ConsumeSessionToken(context.Background(), "st_missing"); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestPurgeStaleSessionTokens(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	expired, err := s.CreateSessionToken(ctx, "in_x", "k", "v", -time.Hour)
	if err != nil {
		t.Fatalf("create expired: %v", err)
	}
	fresh, err := s.CreateSessionToken(ctx, "in_x", "k", "v", time.Hour)
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	n, err := s.PurgeStaleSessionTokens(ctx, time.Now(), time.Now().Add(-time.Minute), 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d tokens, want 1", n)
	}

	if _, err := s.ConsumeSessionToken(ctx, expired); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expired token should stay invalid, got %v", err)
	}
	if _, err := s.ConsumeSessionToken(ctx, fresh); err != nil {
		t.Fatalf("fresh token must survive purge: %v", err)
	}
}
