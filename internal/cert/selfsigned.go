package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

const defaultSelfSignedTTL = 90 * 24 * time.Hour

// SelfSignedIssuer issues a self-signed certificate for the assigned domain.
// It backs dev mode against a local relay, where a public CA cannot validate
// the hostname.
type SelfSignedIssuer struct {
	TTL time.Duration // defaults to 90 days
}

func (i *SelfSignedIssuer) Issue(_ context.Context, domain, _, chainPath, keyPath string) error {
	ttl := i.TTL
	if ttl == 0 {
		ttl = defaultSelfSignedTTL
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domain},
		DNSNames:              []string{domain},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(ttl),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	if err := writeChainPEM(chainPath, [][]byte{der}); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	if err := writePrivateKeyPEM(keyPath, key); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}
