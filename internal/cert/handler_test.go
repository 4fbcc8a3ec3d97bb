package cert

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestValidBeforeAnyIssue(t *testing.T) {
	t.Parallel()

	h := NewFileHandler("abc.example.org", "a@b.com", t.TempDir(), &SelfSignedIssuer{}, discardLogger())
	if h.Valid() {
		t.Fatal("expected Valid to be false with no stored material")
	}
}

func TestIssueThenValid(t *testing.T) {
	t.Parallel()

	h := NewFileHandler("abc.example.org", "a@b.com", t.TempDir(), &SelfSignedIssuer{}, discardLogger())
	if err := h.Issue(context.Background()); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !h.Valid() {
		t.Fatal("expected Valid after issue")
	}

	// Paths must load as a usable key pair.
	if _, err := tls.LoadX509KeyPair(h.FullchainPath(), h.PrivateKeyPath()); err != nil {
		t.Fatalf("load issued pair: %v", err)
	}
}

func TestValidRejectsWrongDomain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	issued := NewFileHandler("abc.example.org", "a@b.com", dir, &SelfSignedIssuer{}, discardLogger())
	if err := issued.Issue(context.Background()); err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Point a handler for another domain at the same files.
	other := NewFileHandler("other.example.org", "a@b.com", dir, &SelfSignedIssuer{}, discardLogger())
	if err := copyFile(issued.FullchainPath(), other.FullchainPath()); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(issued.PrivateKeyPath(), other.PrivateKeyPath()); err != nil {
		t.Fatal(err)
	}
	if other.Valid() {
		t.Fatal("expected Valid to reject a certificate for a different domain")
	}
}

func TestValidRejectsRenewalMargin(t *testing.T) {
	t.Parallel()

	// A certificate whose remaining lifetime is inside the renewal margin
	// must be treated as invalid so issuance runs again.
	h := NewFileHandler("abc.example.org", "a@b.com", t.TempDir(), &SelfSignedIssuer{TTL: 24 * time.Hour}, discardLogger())
	if err := h.Issue(context.Background()); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if h.Valid() {
		t.Fatal("expected Valid to be false inside the renewal margin")
	}
}

func TestIssueWrapsFailures(t *testing.T) {
	t.Parallel()

	h := NewFileHandler("abc.example.org", "a@b.com", t.TempDir(), failingIssuer{}, discardLogger())
	err := h.Issue(context.Background())
	var ce *CertificateError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CertificateError, got %v", err)
	}
	if ce.Domain != "abc.example.org" || ce.Op != "issue" {
		t.Fatalf("unexpected error context: %+v", ce)
	}
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o600)
}

type failingIssuer struct{}

func (failingIssuer) Issue(context.Context, string, string, string, string) error {
	return errors.New("authority rejected order")
}
