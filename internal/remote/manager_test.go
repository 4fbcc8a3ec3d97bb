package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaylink/relaylink/internal/cert"
	"github.com/relaylink/relaylink/internal/domain"
)

type fakeBackend struct {
	mu sync.Mutex

	registerCalls int
	registerErr   error
	reg           domain.Registration
	hadDeadline   bool

	tokenCalls int
	tokenErr   error
	token      string
	tokenGate  chan struct{} // when set, token calls block until closed
	keysets    [][]byte
}

func (b *fakeBackend) RegisterInstance(ctx context.Context) (domain.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerCalls++
	_, b.hadDeadline = ctx.Deadline()
	if b.registerErr != nil {
		return domain.Registration{}, b.registerErr
	}
	return b.reg, nil
}

func (b *fakeBackend) RequestSessionToken(ctx context.Context, key, iv []byte) (string, error) {
	b.mu.Lock()
	b.tokenCalls++
	gate := b.tokenGate
	b.keysets = append(b.keysets, append(append([]byte{}, key...), iv...))
	err := b.tokenErr
	token := b.token
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", &domain.BackendError{Op: "token", Err: ctx.Err()}
		}
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (b *fakeBackend) PublishChallenge(context.Context, string) error { return nil }
func (b *fakeBackend) CleanupChallenge(context.Context, string) error { return nil }

type fakeCert struct {
	domain     string
	valid      bool
	issueErr   error
	issueCalls int
	chainPath  string
	keyPath    string
}

func (c *fakeCert) Valid() bool { return c.valid }

func (c *fakeCert) Issue(ctx context.Context) error {
	c.issueCalls++
	if c.issueErr != nil {
		return c.issueErr
	}
	issuer := &cert.SelfSignedIssuer{}
	if err := issuer.Issue(ctx, c.domain, "", c.chainPath, c.keyPath); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func (c *fakeCert) FullchainPath() string  { return c.chainPath }
func (c *fakeCert) PrivateKeyPath() string { return c.keyPath }

type connectCall struct {
	token string
	key   []byte
	iv    []byte
}

type fakeTunnel struct {
	mu         sync.Mutex
	server     string
	port       int
	tlsConf    *tls.Config
	startErr   error
	startGate  chan struct{} // when set, Start blocks until closed
	startCalls int
	started    bool
	stopCalls  int
	connectErr error
	connects   []connectCall
}

func (t *fakeTunnel) Start(context.Context) error {
	t.mu.Lock()
	t.startCalls++
	gate := t.startGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if t.startErr != nil {
		return t.startErr
	}
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTunnel) Stop() error {
	t.mu.Lock()
	t.stopCalls++
	t.started = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTunnel) Connect(_ context.Context, token string, key, iv []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connects = append(t.connects, connectCall{
		token: token,
		key:   append([]byte{}, key...),
		iv:    append([]byte{}, iv...),
	})
	return nil
}

type harness struct {
	backend  *fakeBackend
	certs    *fakeCert
	tunnel   *fakeTunnel
	certNews int
	mgr      *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	h := &harness{
		backend: &fakeBackend{
			reg:   domain.Registration{Domain: "abc.example.org", Email: "a@b.com", Server: "relay1.example.org"},
			token: "T",
		},
		certs: &fakeCert{
			domain:    "abc.example.org",
			chainPath: filepath.Join(dir, "chain.pem"),
			keyPath:   filepath.Join(dir, "key.pem"),
		},
		tunnel: &fakeTunnel{},
	}
	h.mgr = NewManager(Config{
		Backend: h.backend,
		NewCertHandler: func(domain, email string) cert.Handler {
			h.certNews++
			return h.certs
		},
		NewTunnel: func(tlsConf *tls.Config, server string, port int) TunnelClient {
			h.tunnel.tlsConf = tlsConf
			h.tunnel.server = server
			h.tunnel.port = port
			return h.tunnel
		},
		Log: slog.New(slog.DiscardHandler),
	})
	return h
}

// preIssue places a valid pre-existing certificate on disk.
func (h *harness) preIssue(t *testing.T) {
	t.Helper()
	if err := h.certs.Issue(context.Background()); err != nil {
		t.Fatalf("pre-issue: %v", err)
	}
	h.certs.issueCalls = 0
}

func TestLoadBackendRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)

	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := h.mgr.RelayServer(); got != "relay1.example.org" {
		t.Fatalf("relay server = %q, want relay1.example.org", got)
	}
	if got := h.mgr.State(); got != StateTunnelActive {
		t.Fatalf("state = %v, want tunnel_active", got)
	}
	if !h.tunnel.started {
		t.Fatal("tunnel was not started")
	}
	if h.tunnel.server != "relay1.example.org" || h.tunnel.port != 443 {
		t.Fatalf("tunnel bound to %s:%d, want relay1.example.org:443", h.tunnel.server, h.tunnel.port)
	}
	if h.tunnel.tlsConf == nil || len(h.tunnel.tlsConf.Certificates) != 1 {
		t.Fatal("tunnel did not receive a TLS config with the loaded certificate")
	}
	if h.tunnel.tlsConf.MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected TLS min version %x", h.tunnel.tlsConf.MinVersion)
	}
	if h.certs.issueCalls != 0 {
		t.Fatalf("valid certificate must not be reissued, got %d issues", h.certs.issueCalls)
	}
	if !h.backend.hadDeadline {
		t.Fatal("registration call must carry a bounded deadline")
	}
}

func TestLoadBackendIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)

	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if h.backend.registerCalls != 1 {
		t.Fatalf("registration ran %d times, want 1", h.backend.registerCalls)
	}
	if h.certNews != 1 {
		t.Fatalf("certificate handler constructed %d times, want 1", h.certNews)
	}
}

func TestLoadBackendIssuesWhenInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.certs.issueCalls != 1 {
		t.Fatalf("expected one issuance, got %d", h.certs.issueCalls)
	}
}

func TestLoadBackendBackendFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.registerErr = &domain.BackendError{Op: "register", StatusCode: 500, Err: errors.New("boom")}

	err := h.mgr.LoadBackend(context.Background())
	var be *domain.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if got := h.mgr.State(); got != StateUnloaded {
		t.Fatalf("state = %v, want unloaded", got)
	}
	if h.certNews != 0 {
		t.Fatal("no certificate handler may be retained after a registration failure")
	}
	if h.tunnel.started {
		t.Fatal("no tunnel may be started after a registration failure")
	}
	// The next connect signal retries the whole call.
	h.backend.registerErr = nil
	h.preIssue(t)
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("retry load: %v", err)
	}
	if h.mgr.State() != StateTunnelActive {
		t.Fatal("expected tunnel_active after retry")
	}
}

func TestLoadBackendCertificateFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.certs.issueErr = &cert.CertificateError{Domain: "abc.example.org", Op: "issue", Err: errors.New("authority down")}

	err := h.mgr.LoadBackend(context.Background())
	var ce *cert.CertificateError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CertificateError, got %v", err)
	}
	if h.mgr.State() != StateUnloaded {
		t.Fatal("expected unloaded state after certificate failure")
	}
	if h.tunnel.started {
		t.Fatal("tunnel must not start after certificate failure")
	}
}

func TestLoadBackendTunnelStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)
	h.tunnel.startErr = &domain.TunnelError{Server: "relay1.example.org", Op: "start", Err: errors.New("refused")}

	err := h.mgr.LoadBackend(context.Background())
	var te *domain.TunnelError
	if !errors.As(err, &te) {
		t.Fatalf("expected TunnelError, got %v", err)
	}
	if h.mgr.State() != StateUnloaded {
		t.Fatal("expected unloaded state after tunnel start failure")
	}
	if h.mgr.RelayServer() != "" {
		t.Fatal("relay server must not be recorded after a failed start")
	}
}

func TestCloseBackendIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.mgr.CloseBackend(context.Background()); err != nil {
		t.Fatalf("close of unloaded manager: %v", err)
	}
	if h.mgr.State() != StateUnloaded {
		t.Fatal("expected unloaded state")
	}

	h.preIssue(t)
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.mgr.CloseBackend(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.tunnel.stopCalls != 1 {
		t.Fatalf("tunnel stopped %d times, want 1", h.tunnel.stopCalls)
	}
	if h.mgr.RelayServer() != "" {
		t.Fatal("relay server must be cleared after close")
	}
	if err := h.mgr.CloseBackend(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if h.tunnel.stopCalls != 1 {
		t.Fatal("second close must not stop again")
	}
}

func TestCloseBackendDuringLoadDiscardsTunnel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)

	gate := make(chan struct{})
	h.tunnel.startGate = gate

	done := make(chan error, 1)
	go func() {
		done <- h.mgr.LoadBackend(context.Background())
	}()

	// Wait until the load is blocked inside tunnel start.
	deadline := time.After(2 * time.Second)
	for {
		h.tunnel.mu.Lock()
		entered := h.tunnel.startCalls == 1
		h.tunnel.mu.Unlock()
		if entered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tunnel start never began")
		case <-time.After(time.Millisecond):
		}
	}

	if err := h.mgr.CloseBackend(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(gate)

	if err := <-done; !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("load racing a close = %v, want ErrNotConnected", err)
	}
	if got := h.mgr.State(); got != StateUnloaded {
		t.Fatalf("state = %v, want unloaded", got)
	}
	if h.mgr.RelayServer() != "" {
		t.Fatal("relay server must not be recorded after an interleaved close")
	}
	h.tunnel.mu.Lock()
	stops := h.tunnel.stopCalls
	started := h.tunnel.started
	h.tunnel.mu.Unlock()
	if stops != 1 {
		t.Fatalf("tunnel stopped %d times, want 1", stops)
	}
	if started {
		t.Fatal("tunnel left running after an interleaved close")
	}

	// The manager stays loadable afterwards.
	h.tunnel.startGate = nil
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if h.mgr.State() != StateTunnelActive {
		t.Fatal("expected tunnel_active after reload")
	}
}

func TestHandleConnectionRequestNotConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.7")
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandleConnectionRequestTokenFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.7"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(h.tunnel.connects) != 1 {
		t.Fatalf("expected one connect, got %d", len(h.tunnel.connects))
	}
	call := h.tunnel.connects[0]
	if call.token != "T" {
		t.Fatalf("token = %q, want T", call.token)
	}
	if len(call.key) != aesKeyLen || len(call.iv) != aesIVLen {
		t.Fatalf("keyset sizes = %d/%d, want %d/%d", len(call.key), len(call.iv), aesKeyLen, aesIVLen)
	}

	// A second request must generate a fresh keyset.
	if err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.8"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if len(h.backend.keysets) != 2 {
		t.Fatalf("expected two keysets, got %d", len(h.backend.keysets))
	}
	if bytes.Equal(h.backend.keysets[0], h.backend.keysets[1]) {
		t.Fatal("key material reused across requests")
	}
}

func TestHandleConnectionRequestSerialized(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	gate := make(chan struct{})
	h.backend.tokenGate = gate

	first := make(chan error, 1)
	go func() {
		first <- h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.7")
	}()

	// Wait for the first exchange to be in flight.
	deadline := time.After(2 * time.Second)
	for {
		h.backend.mu.Lock()
		calls := h.backend.tokenCalls
		h.backend.mu.Unlock()
		if calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first token exchange never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.8"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while a token exchange is pending, got %v", err)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first request: %v", err)
	}

	// The guard clears once the exchange completes.
	h.backend.tokenGate = nil
	if err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.9"); err != nil {
		t.Fatalf("request after completion: %v", err)
	}
}

func TestHandleConnectionRequestBackendFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preIssue(t)
	if err := h.mgr.LoadBackend(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	h.backend.tokenErr = &domain.BackendError{Op: "token", StatusCode: 502, Err: errors.New("bad gateway")}
	err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.7")
	var be *domain.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if len(h.tunnel.connects) != 0 {
		t.Fatal("connect must not run after a failed token exchange")
	}

	// Pending guard is released on failure.
	h.backend.tokenErr = nil
	if err := h.mgr.HandleConnectionRequest(context.Background(), "203.0.113.7"); err != nil {
		t.Fatalf("request after failure: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state State
		want  string
	}{
		{StateUnloaded, "unloaded"},
		{StateBackendLoaded, "backend_loaded"},
		{StateTunnelActive, "tunnel_active"},
		{State(42), "state(42)"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("State(%d).String() = %q, want %q", int(tc.state), got, tc.want)
		}
	}
}
