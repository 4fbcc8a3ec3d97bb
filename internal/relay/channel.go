package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaylink/relaylink/internal/domain"
	"github.com/relaylink/relaylink/internal/tunnelproto"
)

const channelWriteTimeout = 15 * time.Second
const channelReadLimit = 32 << 20

// channel is one agent's persistent control connection.
type channel struct {
	srv  *Server
	inst domain.Instance
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*publicSession
	pending  *publicSession // session awaiting its authorize frame
	closed   bool
}

// publicSession tracks one inbound public connection relayed over the channel.
type publicSession struct {
	id         string
	authorized chan error
	data       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func newPublicSession(id string) *publicSession {
	return &publicSession{
		id:         id,
		authorized: make(chan error, 1),
		data:       make(chan []byte, 32),
		done:       make(chan struct{}),
	}
}

func (ps *publicSession) close() {
	ps.closeOnce.Do(func() { close(ps.done) })
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
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

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("channel upgrade failed", "instance_id", inst.ID, "err", err)
		return
	}
	conn.SetReadLimit(channelReadLimit)

	ch := &channel{
		srv:      s,
		inst:     inst,
		conn:     conn,
		log:      s.log.With("instance_id", inst.ID),
		sessions: make(map[string]*publicSession),
	}
	s.registerChannel(ch)
	ch.log.Info("agent channel connected", "remote", r.RemoteAddr)

	ch.readLoop(r.Context())

	s.dropChannel(ch)
	ch.teardown()
	ch.log.Info("agent channel closed")
}

func (c *channel) readLoop(ctx context.Context) {
	for {
		var msg tunnelproto.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Kind {
		case tunnelproto.KindAuthorize:
			c.handleAuthorize(ctx, msg.Authorize)
		case tunnelproto.KindStreamData:
			if msg.StreamData != nil {
				c.deliverData(msg.StreamData)
			}
		case tunnelproto.KindStreamClose:
			if msg.StreamClose != nil {
				c.closeSession(msg.StreamClose.ID)
			}
		case tunnelproto.KindPing:
			_ = c.write(tunnelproto.Message{Kind: tunnelproto.KindPong})
		case tunnelproto.KindPong:
		case tunnelproto.KindClose:
			return
		default:
			c.log.Debug("unexpected channel frame", "kind", msg.Kind)
		}
	}
}

// handleAuthorize consumes the presented session token and acks the exchange.
// The agent serializes token exchanges, so the frame always belongs to the
// single pending session.
func (c *channel) handleAuthorize(ctx context.Context, az *tunnelproto.Authorize) {
	if az == nil || az.Token == "" {
		c.ack(false, "malformed authorize frame")
		return
	}

	tok, err := c.srv.store.ConsumeSessionToken(ctx, az.Token)
	if err != nil {
		c.log.Warn("session token rejected", "err", err)
		c.ack(false, domain.ErrTokenInvalid.Error())
		c.failPending(domain.ErrTokenInvalid)
		return
	}
	if tok.InstanceID != c.inst.ID {
		c.ack(false, domain.ErrTokenInvalid.Error())
		c.failPending(domain.ErrTokenInvalid)
		return
	}

	c.ack(true, "")
	c.mu.Lock()
	ps := c.pending
	c.pending = nil
	c.mu.Unlock()
	if ps != nil {
		ps.authorized <- nil
	}
}

func (c *channel) ack(ok bool, reason string) {
	_ = c.write(tunnelproto.Message{
		Kind:         tunnelproto.KindAuthorizeAck,
		AuthorizeAck: &tunnelproto.AuthorizeAck{OK: ok, Error: reason},
	})
}

func (c *channel) failPending(err error) {
	c.mu.Lock()
	ps := c.pending
	c.pending = nil
	c.mu.Unlock()
	if ps != nil {
		ps.authorized <- err
	}
}

// requestSession announces an inbound connection and waits for the agent to
// authorize it with a fresh token.
func (c *channel) requestSession(ctx context.Context, ps *publicSession, callerIP string, wait time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrNoActiveChannel
	}
	if c.pending != nil {
		c.mu.Unlock()
		return errors.New("another session is being authorized")
	}
	c.pending = ps
	c.sessions[ps.id] = ps
	c.mu.Unlock()

	err := c.write(tunnelproto.Message{
		Kind:           tunnelproto.KindSessionRequest,
		SessionRequest: &tunnelproto.SessionRequest{ID: ps.id, CallerIP: callerIP},
	})
	if err != nil {
		c.unregisterSession(ps)
		return fmt.Errorf("session request: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-ps.authorized:
		if err != nil {
			c.unregisterSession(ps)
			return err
		}
		return nil
	case <-timer.C:
		c.unregisterSession(ps)
		return errors.New("session authorization timed out")
	case <-ctx.Done():
		c.unregisterSession(ps)
		return ctx.Err()
	}
}

func (c *channel) unregisterSession(ps *publicSession) {
	c.mu.Lock()
	if c.pending == ps {
		c.pending = nil
	}
	delete(c.sessions, ps.id)
	c.mu.Unlock()
	ps.close()
}

func (c *channel) deliverData(sd *tunnelproto.StreamData) {
	c.mu.Lock()
	ps := c.sessions[sd.ID]
	c.mu.Unlock()
	if ps == nil {
		return
	}
	b, err := tunnelproto.DecodeBody(sd.DataB64)
	if err != nil || len(b) == 0 {
		return
	}
	select {
	case ps.data <- b:
	case <-ps.done:
	}
}

func (c *channel) closeSession(id string) {
	c.mu.Lock()
	ps := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ps != nil {
		ps.close()
	}
}

func (c *channel) write(msg tunnelproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *channel) close(reason string) {
	_ = c.write(tunnelproto.Message{Kind: tunnelproto.KindError, Error: reason})
	_ = c.conn.Close()
}

func (c *channel) teardown() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*publicSession, 0, len(c.sessions))
	for _, ps := range c.sessions {
		sessions = append(sessions, ps)
	}
	c.sessions = make(map[string]*publicSession)
	if c.pending != nil {
		c.pending.authorized <- domain.ErrNoActiveChannel
		c.pending = nil
	}
	c.mu.Unlock()
	for _, ps := range sessions {
		ps.close()
	}
	_ = c.conn.Close()
}
