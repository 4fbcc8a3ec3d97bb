// Package relay implements the development relay and control-plane server:
// the instance registration and session-token API consumed by agents, the
// persistent agent channel, and a public listener that relays inbound
// connections through authorized sessions.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaylink/relaylink/internal/auth"
	"github.com/relaylink/relaylink/internal/config"
	"github.com/relaylink/relaylink/internal/domain"
	"github.com/relaylink/relaylink/internal/store/sqlite"
)

const shutdownTimeout = 5 * time.Second
const requestTimeout = 30 * time.Second

const tokenPurgeInterval = 1 * time.Minute
const usedTokenRetention = 10 * time.Minute
const tokenPurgeBatchLimit = 1000

// Server hosts the control-plane API and the public relay listener.
type Server struct {
	cfg      config.RelayConfig
	store    *sqlite.Store
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[string]*channel // instance ID -> active channel
	active   *channel            // most recently connected channel
}

// New creates a relay server.
func New(cfg config.RelayConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		log:      logger,
		channels: make(map[string]*channel),
	}
}

// Run serves the API and public listeners until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/instance/register", s.handleRegister)
	mux.HandleFunc("POST /v1/instance/token", s.handleToken)
	mux.HandleFunc("POST /v1/instance/challenge", s.handleChallenge)
	mux.HandleFunc("DELETE /v1/instance/challenge", s.handleChallenge)
	mux.HandleFunc("/v1/channel", s.handleChannel)

	apiServer := &http.Server{
		Addr:              s.cfg.ListenAPI,
		Handler:           mux,
		ReadHeaderTimeout: requestTimeout,
	}

	publicLn, err := net.Listen("tcp", s.cfg.ListenPublic)
	if err != nil {
		return fmt.Errorf("public listen: %w", err)
	}

	go s.runJanitor(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("relay API listening", "addr", s.cfg.ListenAPI)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		s.log.Info("relay public listener up", "addr", publicLn.Addr().String())
		errCh <- s.servePublic(ctx, publicLn)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.log.Error("relay listener failed", "err", err)
		}
	}

	_ = publicLn.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	return nil
}

// runJanitor periodically drops expired and long-consumed session tokens so
// the store does not grow without bound.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeStaleTokens(ctx)
		}
	}
}

func (s *Server) purgeStaleTokens(ctx context.Context) {
	now := time.Now().UTC()
	purged, err := s.store.PurgeStaleSessionTokens(ctx, now, now.Add(-usedTokenRetention), tokenPurgeBatchLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("session token cleanup failed", "err", err)
		}
		return
	}
	if purged > 0 {
		s.log.Info("stale session tokens cleaned", "tokens", purged)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": domain.ErrUnauthorized.Error()})
		return
	}

	// The dev relay derives a stable subdomain from the access-key hash;
	// the stored assignment wins on re-registration.
	assigned := hash[:10] + "." + s.cfg.BaseDomain
	inst, err := s.store.UpsertInstance(r.Context(), hash, assigned, "admin@"+s.cfg.BaseDomain)
	if err != nil {
		s.log.Error("instance upsert failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	s.log.Info("instance registered", "instance_id", inst.ID, "domain", inst.Domain)
	writeJSON(w, http.StatusOK, domain.Registration{
		Domain: inst.Domain,
		Email:  inst.Email,
		Server: s.cfg.BaseDomain,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": domain.ErrUnauthorized.Error()})
		return
	}
	inst, err := s.store.InstanceByAccessKeyHash(r.Context(), hash)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown instance"})
		return
	}

	var req struct {
		AESKeyB64 string `json:"aes_key"`
		AESIVB64  string `json:"aes_iv"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AESKeyB64 == "" || req.AESIVB64 == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key material"})
		return
	}

	token, err := s.store.CreateSessionToken(r.Context(), inst.ID, req.AESKeyB64, req.AESIVB64, s.cfg.TokenTTL)
	if err != nil {
		s.log.Error("token mint failed", "instance_id", inst.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token mint failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleChallenge accepts DNS-01 TXT publications. The dev relay has no
// public DNS to update, so records are only logged; agents use the
// selfsigned cert mode against it.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": domain.ErrUnauthorized.Error()})
		return
	}
	var req struct {
		TXT string `json:"txt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.log.Info("dns challenge record", "method", r.Method, "txt", req.TXT)
	w.WriteHeader(http.StatusNoContent)
}

// authenticate resolves the bearer access key to its peppered hash.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(header, "Bearer ")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", false
	}
	return auth.HashAccessKey(key, s.cfg.AccessKeyPepper), true
}

func (s *Server) registerChannel(ch *channel) {
	s.mu.Lock()
	old := s.channels[ch.inst.ID]
	s.channels[ch.inst.ID] = ch
	s.active = ch
	s.mu.Unlock()
	if old != nil {
		old.close("superseded by a newer channel")
	}
}

func (s *Server) dropChannel(ch *channel) {
	s.mu.Lock()
	if s.channels[ch.inst.ID] == ch {
		delete(s.channels, ch.inst.ID)
	}
	if s.active == ch {
		s.active = nil
		for _, other := range s.channels {
			s.active = other
			break
		}
	}
	s.mu.Unlock()
}

// activeChannel returns the channel inbound sessions are routed to. The dev
// relay routes to the most recently connected agent.
func (s *Server) activeChannel() *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return "s_" + hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
