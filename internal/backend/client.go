// Package backend implements the HTTP client for the relaylink control-plane
// API: instance registration, session-token issuance, and DNS challenge
// publication for the certificate workflow.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaylink/relaylink/internal/domain"
)

// API is the narrow control-plane contract consumed by the remote lifecycle
// manager and the certificate issuer. It exists so both can be tested with
// substitutable fakes.
type API interface {
	RegisterInstance(ctx context.Context) (domain.Registration, error)
	RequestSessionToken(ctx context.Context, key, iv []byte) (string, error)
	PublishChallenge(ctx context.Context, txt string) error
	CleanupChallenge(ctx context.Context, txt string) error
}

// Client talks to the relaylink control plane over HTTP.
type Client struct {
	baseURL   string
	accessKey string
	http      *http.Client
}

// New creates a control-plane client. timeout bounds each underlying HTTP
// exchange; per-call deadlines are applied by callers via context.
func New(baseURL, accessKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		http:      &http.Client{Timeout: timeout},
	}
}

type tokenRequest struct {
	AESKeyB64 string `json:"aes_key"`
	AESIVB64  string `json:"aes_iv"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type challengeRequest struct {
	TXT string `json:"txt"`
}

// RegisterInstance registers this instance with the control plane and returns
// the assigned domain, contact email, and relay server address.
func (c *Client) RegisterInstance(ctx context.Context) (domain.Registration, error) {
	var reg domain.Registration
	if err := c.call(ctx, "register", http.MethodPost, "/v1/instance/register", nil, &reg); err != nil {
		return domain.Registration{}, err
	}
	if reg.Domain == "" || reg.Server == "" {
		return domain.Registration{}, &domain.BackendError{Op: "register", Err: errors.New("incomplete registration response")}
	}
	return reg, nil
}

// RequestSessionToken exchanges fresh AES key material for a single-use
// session token.
func (c *Client) RequestSessionToken(ctx context.Context, key, iv []byte) (string, error) {
	req := tokenRequest{
		AESKeyB64: base64.StdEncoding.EncodeToString(key),
		AESIVB64:  base64.StdEncoding.EncodeToString(iv),
	}
	var resp tokenResponse
	if err := c.call(ctx, "token", http.MethodPost, "/v1/instance/token", req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &domain.BackendError{Op: "token", Err: errors.New("empty token in response")}
	}
	return resp.Token, nil
}

// PublishChallenge asks the control plane to publish the ACME DNS-01 TXT
// record for this instance's domain. The instance has no inbound port, so
// DNS updates are fronted by the control plane.
func (c *Client) PublishChallenge(ctx context.Context, txt string) error {
	return c.call(ctx, "challenge", http.MethodPost, "/v1/instance/challenge", challengeRequest{TXT: txt}, nil)
}

// CleanupChallenge removes a previously published DNS-01 TXT record.
func (c *Client) CleanupChallenge(ctx context.Context, txt string) error {
	return c.call(ctx, "challenge cleanup", http.MethodDelete, "/v1/instance/challenge", challengeRequest{TXT: txt}, nil)
}

// Health probes the control plane; the connectivity supervisor uses it to
// detect cloud-channel transitions.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, "health", http.MethodGet, "/v1/health", nil, nil)
}

// call performs one JSON API exchange. Every failure mode, including a timed
// out or refused connection, surfaces as a [domain.BackendError] so callers
// see a single "backend unavailable" signal.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &domain.BackendError{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domain.BackendError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.accessKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.BackendError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		// Try to parse structured JSON error.
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return &domain.BackendError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.BackendError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
