// Package cert manages the TLS certificate material for an assigned tunnel
// domain: validity checking of the stored chain/key pair and issuance of a
// fresh pair when none is valid.
package cert

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Certificates within this margin of expiry are treated as invalid so
// renewal happens before clients see an expired chain.
const renewalMargin = 14 * 24 * time.Hour

// CertificateError wraps a validity-check or issuance failure. It is
// propagated unchanged through the lifecycle manager.
type CertificateError struct {
	Domain string
	Op     string
	Err    error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate %s: %s: %v", e.Domain, e.Op, e.Err)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// Handler is the certificate capability consumed by the remote lifecycle
// manager. Path accessors are only meaningful after Valid reports true.
type Handler interface {
	Valid() bool
	Issue(ctx context.Context) error
	FullchainPath() string
	PrivateKeyPath() string
}

// Issuer obtains a certificate chain and private key for a domain and writes
// them in PEM form to the given paths.
type Issuer interface {
	Issue(ctx context.Context, domain, email, chainPath, keyPath string) error
}

// FileHandler keeps certificate material as PEM files under a cache
// directory, one chain/key pair per domain.
type FileHandler struct {
	domain   string
	email    string
	cacheDir string
	issuer   Issuer
	log      *slog.Logger
}

// NewFileHandler creates a handler scoped to one domain and contact email.
func NewFileHandler(domain, email, cacheDir string, issuer Issuer, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		domain:   strings.ToLower(strings.TrimSpace(domain)),
		email:    strings.TrimSpace(email),
		cacheDir: cacheDir,
		issuer:   issuer,
		log:      logger,
	}
}

// FullchainPath returns the path of the PEM-encoded certificate chain.
func (h *FileHandler) FullchainPath() string {
	return filepath.Join(h.cacheDir, safeFileName(h.domain)+".fullchain.pem")
}

// PrivateKeyPath returns the path of the PEM-encoded private key.
func (h *FileHandler) PrivateKeyPath() string {
	return filepath.Join(h.cacheDir, safeFileName(h.domain)+".key.pem")
}

// Valid reports whether the stored chain/key pair parses, covers the handler
// domain, and has more than the renewal margin of lifetime remaining.
func (h *FileHandler) Valid() bool {
	pair, err := tls.LoadX509KeyPair(h.FullchainPath(), h.PrivateKeyPath())
	if err != nil {
		return false
	}
	if len(pair.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return false
	}
	if err := leaf.VerifyHostname(h.domain); err != nil {
		h.log.Debug("stored certificate does not cover domain", "domain", h.domain, "err", err)
		return false
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return false
	}
	if now.After(leaf.NotAfter.Add(-renewalMargin)) {
		h.log.Debug("stored certificate inside renewal margin", "domain", h.domain, "not_after", leaf.NotAfter)
		return false
	}
	return true
}

// Issue obtains a fresh chain/key pair through the configured issuer.
func (h *FileHandler) Issue(ctx context.Context) error {
	if err := os.MkdirAll(h.cacheDir, 0o700); err != nil {
		return &CertificateError{Domain: h.domain, Op: "issue", Err: err}
	}
	h.log.Info("issuing certificate", "domain", h.domain)
	if err := h.issuer.Issue(ctx, h.domain, h.email, h.FullchainPath(), h.PrivateKeyPath()); err != nil {
		return &CertificateError{Domain: h.domain, Op: "issue", Err: err}
	}
	return nil
}

func safeFileName(domain string) string {
	return strings.ReplaceAll(domain, string(os.PathSeparator), "_")
}

func writeChainPEM(path string, der [][]byte) error {
	var buf []byte
	for _, block := range der {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}
	return os.WriteFile(path, buf, 0o600)
}

func writePrivateKeyPEM(path string, key crypto.Signer) error {
	b, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}), 0o600)
}
