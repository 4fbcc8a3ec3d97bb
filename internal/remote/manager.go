// Package remote implements the remote-connection lifecycle: backend
// registration, certificate provisioning, tunnel startup and shutdown, and
// per-connection session-token exchange. It coordinates the backend client,
// certificate handler, and tunnel client under strict ordering: a tunnel
// only exists after certificate validity is confirmed, and a session token
// is only requested while a tunnel exists.
package remote

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaylink/relaylink/internal/backend"
	"github.com/relaylink/relaylink/internal/cert"
	"github.com/relaylink/relaylink/internal/domain"
)

// Bound applied to each backend exchange (registration, token request).
// A timed-out call fails exactly like a rejected one.
const backendCallTimeout = 10 * time.Second

// Relayed sessions are always brokered on the standard TLS port.
const relayPort = 443

const aesKeyLen = 32
const aesIVLen = 16

// State describes where the manager is in its lifecycle.
type State int

const (
	// StateUnloaded holds no backend registration, certificate handler,
	// or tunnel client.
	StateUnloaded State = iota
	// StateBackendLoaded is the transient state between a successful
	// registration and tunnel startup.
	StateBackendLoaded
	// StateTunnelActive means the tunnel client is started and reachable.
	StateTunnelActive
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateBackendLoaded:
		return "backend_loaded"
	case StateTunnelActive:
		return "tunnel_active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TunnelClient is the tunnel transport capability consumed by the manager.
// Stop is best-effort and must not fail for an already broken transport.
type TunnelClient interface {
	Start(ctx context.Context) error
	Stop() error
	Connect(ctx context.Context, token string, key, iv []byte) error
}

// Config wires the manager's collaborators. The factories decouple the
// lifecycle logic from real certificate and transport construction so it can
// be driven by fakes in tests.
type Config struct {
	Backend        backend.API
	NewCertHandler func(domain, email string) cert.Handler
	NewTunnel      func(tlsConf *tls.Config, server string, port int) TunnelClient
	Log            *slog.Logger
}

// Manager owns the tunnel client and certificate handler references for the
// duration it is loaded. No other component starts or stops the tunnel.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	state        State
	certs        cert.Handler
	tunnel       TunnelClient
	relayServer  string
	tokenPending bool
}

// NewManager creates an unloaded manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, log: cfg.Log}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RelayServer returns the address of the relay server currently in use. It
// is empty until a tunnel is active and safe for concurrent reads.
func (m *Manager) RelayServer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayServer
}

// LoadBackend brings the manager from unloaded to tunnel-active: it
// registers the instance, ensures a valid certificate, and starts the
// tunnel client bound to the assigned relay server. It is idempotent; a
// duplicate connect signal while loaded or loading is a no-op. On any
// failure the manager retains no partial state (an already-issued
// certificate stays on disk for the next attempt) and the caller must treat
// the manager as not connected. A CloseBackend that runs while the load is
// in flight wins: the load stops the tunnel it started and fails with
// [domain.ErrNotConnected].
func (m *Manager) LoadBackend(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUnloaded {
		m.mu.Unlock()
		return nil
	}
	m.state = StateBackendLoaded
	m.mu.Unlock()

	err := m.loadBackend(ctx)
	if err != nil {
		m.mu.Lock()
		// Only unwind state this load still owns; an interleaved close
		// has already reset it.
		if m.state == StateBackendLoaded {
			m.state = StateUnloaded
			m.certs = nil
			m.tunnel = nil
			m.relayServer = ""
		}
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) loadBackend(ctx context.Context) error {
	regCtx, cancel := context.WithTimeout(ctx, backendCallTimeout)
	defer cancel()
	reg, err := m.cfg.Backend.RegisterInstance(regCtx)
	if err != nil {
		m.log.Error("instance registration failed", "err", err)
		return err
	}

	certs := m.cfg.NewCertHandler(reg.Domain, reg.Email)
	if !certs.Valid() {
		if err := certs.Issue(ctx); err != nil {
			return err
		}
	}

	tlsConf, err := serverTLSConfig(ctx, certs)
	if err != nil {
		return err
	}

	tun := m.cfg.NewTunnel(tlsConf, reg.Server, relayPort)
	if err := tun.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateBackendLoaded {
		// A disconnect arrived while this load was in flight. The close
		// already reset the manager; discard the tunnel started here
		// instead of resurrecting it.
		m.mu.Unlock()
		if err := tun.Stop(); err != nil {
			m.log.Debug("tunnel stop failed", "err", err)
		}
		return domain.ErrNotConnected
	}
	m.certs = certs
	m.tunnel = tun
	m.relayServer = reg.Server
	m.state = StateTunnelActive
	m.mu.Unlock()

	m.log.Info("remote access ready", "domain", reg.Domain, "relay_server", reg.Server)
	return nil
}

// CloseBackend tears the tunnel down. It is idempotent and never fails: a
// stop on an already broken or never-started transport is swallowed. All
// held references are cleared unconditionally.
func (m *Manager) CloseBackend(ctx context.Context) error {
	m.mu.Lock()
	tun := m.tunnel
	m.tunnel = nil
	m.certs = nil
	m.relayServer = ""
	m.tokenPending = false
	m.state = StateUnloaded
	m.mu.Unlock()

	if tun != nil {
		if err := tun.Stop(); err != nil {
			m.log.Debug("tunnel stop failed", "err", err)
		}
		m.log.Info("remote access closed")
	}
	return nil
}

// HandleConnectionRequest brokers one inbound relay attempt: it generates a
// fresh AES keyset, exchanges it for a session token at the backend, and
// authorizes the session through the tunnel client. At most one token
// exchange is in flight at a time; a request arriving while one is pending
// fails with [domain.ErrNotConnected], as does a request without an active
// tunnel. callerIP is informational only.
func (m *Manager) HandleConnectionRequest(ctx context.Context, callerIP string) error {
	m.mu.Lock()
	if m.tunnel == nil || m.tokenPending {
		m.mu.Unlock()
		return domain.ErrNotConnected
	}
	m.tokenPending = true
	tun := m.tunnel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.tokenPending = false
		m.mu.Unlock()
	}()

	key, iv, err := newAESKeyset()
	if err != nil {
		return err
	}

	tokenCtx, cancel := context.WithTimeout(ctx, backendCallTimeout)
	defer cancel()
	token, err := m.cfg.Backend.RequestSessionToken(tokenCtx, key, iv)
	if err != nil {
		m.log.Error("session token request failed", "caller_ip", callerIP, "err", err)
		return err
	}

	m.log.Debug("authorizing relayed session", "caller_ip", callerIP)
	return tun.Connect(ctx, token, key, iv)
}

// newAESKeyset generates the ephemeral symmetric key material scoping one
// relayed session. It is never reused and never persisted.
func newAESKeyset() (key, iv []byte, err error) {
	key = make([]byte, aesKeyLen)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("crypto/rand: %w", err)
	}
	iv = make([]byte, aesIVLen)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return key, iv, nil
}
