package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/acme"
)

// ChallengeSolver publishes and removes the DNS-01 TXT record for a
// challenge. The agent has no inbound port, so the record is placed through
// the control plane rather than a local DNS client.
type ChallengeSolver interface {
	PublishChallenge(ctx context.Context, txt string) error
	CleanupChallenge(ctx context.Context, txt string) error
}

// ACMEIssuer obtains certificates from an ACME directory using DNS-01
// challenges solved through a [ChallengeSolver].
type ACMEIssuer struct {
	DirectoryURL string
	CacheDir     string
	Solver       ChallengeSolver
	Log          *slog.Logger

	mu     sync.Mutex // protects client initialization
	client *acme.Client
}

const accountKeyFile = "account.key.pem"

// Issue runs one full ACME order for domain and writes the resulting chain
// and key to chainPath and keyPath.
func (i *ACMEIssuer) Issue(ctx context.Context, domain, email, chainPath, keyPath string) error {
	client, err := i.ensureClient(ctx, email)
	if err != nil {
		return err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return fmt.Errorf("authorize order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := i.solveAuthorization(ctx, client, authzURL); err != nil {
			return err
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate cert key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return fmt.Errorf("create csr: %w", err)
	}
	der, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("finalize order: %w", err)
	}
	if len(der) == 0 {
		return errors.New("acme server returned empty certificate chain")
	}

	if err := writeChainPEM(chainPath, der); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	if err := writePrivateKeyPEM(keyPath, certKey); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	i.Log.Info("certificate issued", "domain", domain)
	return nil
}

func (i *ACMEIssuer) solveAuthorization(ctx context.Context, client *acme.Client, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return errors.New("no dns-01 challenge offered")
	}

	txt, err := client.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return fmt.Errorf("compute challenge record: %w", err)
	}
	if err := i.Solver.PublishChallenge(ctx, txt); err != nil {
		return fmt.Errorf("publish challenge: %w", err)
	}
	defer func() {
		if err := i.Solver.CleanupChallenge(ctx, txt); err != nil {
			i.Log.Warn("challenge record cleanup failed", "err", err)
		}
	}()

	if _, err := client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := client.WaitAuthorization(ctx, authzURL); err != nil {
		return fmt.Errorf("wait authorization: %w", err)
	}
	return nil
}

// ensureClient initializes the ACME client and registers or reuses the
// cached account.
func (i *ACMEIssuer) ensureClient(ctx context.Context, email string) (*acme.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		return i.client, nil
	}

	key, err := i.loadOrCreateAccountKey()
	if err != nil {
		return nil, err
	}
	client := &acme.Client{Key: key, DirectoryURL: i.DirectoryURL}

	account := &acme.Account{Contact: []string{"mailto:" + email}}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("register acme account: %w", err)
	}

	i.client = client
	return client, nil
}

func (i *ACMEIssuer) loadOrCreateAccountKey() (*ecdsa.PrivateKey, error) {
	if err := os.MkdirAll(i.CacheDir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(i.CacheDir, accountKeyFile)

	if b, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("malformed account key at %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		return key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
