// Package tunnel implements the persistent outbound tunnel client: a
// long-lived channel to the relay server over which individual inbound
// sessions are authorized and then relayed to the local service.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/relaylink/relaylink/internal/domain"
	"github.com/relaylink/relaylink/internal/tunnelproto"
)

const defaultPingInterval = 5 * time.Minute
const connectAckTimeout = 15 * time.Second

// SessionRequestHandler brokers one inbound connection attempt. It is
// invoked from the channel read loop for every session_request frame.
type SessionRequestHandler func(ctx context.Context, callerIP string) error

// Config configures a tunnel [Client].
type Config struct {
	Server           string
	Port             int
	TLSConfig        *tls.Config // terminates relayed sessions
	LocalPort        int
	Dialer           Dialer
	PingInterval     time.Duration
	OnSessionRequest SessionRequestHandler
	Log              *slog.Logger
}

// Client maintains the persistent channel to the relay server.
type Client struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	conn    Conn
	cancel  context.CancelFunc
	ackCh   chan tunnelproto.AuthorizeAck
	streams map[string]*streamConn
}

// New creates a tunnel client. Start must be called before Connect.
func New(cfg Config) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Client{cfg: cfg, log: cfg.Log}
}

// Start dials the relay channel and begins the read and keepalive loops.
// Calling Start on an already started client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Server, strconv.Itoa(c.cfg.Port))
	conn, err := c.cfg.Dialer.Dial(ctx, addr)
	if err != nil {
		return &domain.TunnelError{Server: c.cfg.Server, Op: "start", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.streams = make(map[string]*streamConn)

	go c.readLoop(runCtx, conn)
	go c.keepalive(runCtx, conn)

	c.log.Info("tunnel channel established", "server", c.cfg.Server, "port", c.cfg.Port)
	return nil
}

// Stop tears the channel down. It is best-effort and never fails, even when
// the underlying transport is already broken or was never started.
func (c *Client) Stop() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	streams := c.streams
	c.conn = nil
	c.cancel = nil
	c.ackCh = nil
	c.streams = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteMessage(tunnelproto.Message{Kind: tunnelproto.KindClose})
		_ = conn.Close()
	}
	for _, st := range streams {
		st.closeLocal()
	}
	return nil
}

// Connect authorizes one relayed inbound session by presenting the session
// token and its AES key material to the relay, then waiting for the ack.
func (c *Client) Connect(ctx context.Context, token string, key, iv []byte) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return &domain.TunnelError{Server: c.cfg.Server, Op: "connect", Err: domain.ErrNotConnected}
	}
	ack := make(chan tunnelproto.AuthorizeAck, 1)
	c.ackCh = ack
	c.mu.Unlock()

	msg := tunnelproto.Message{
		Kind: tunnelproto.KindAuthorize,
		Authorize: &tunnelproto.Authorize{
			Token:     token,
			AESKeyB64: tunnelproto.EncodeBody(key),
			AESIVB64:  tunnelproto.EncodeBody(iv),
		},
	}
	if err := conn.WriteMessage(msg); err != nil {
		return &domain.TunnelError{Server: c.cfg.Server, Op: "connect", Err: err}
	}

	timer := time.NewTimer(connectAckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &domain.TunnelError{Server: c.cfg.Server, Op: "connect", Err: ctx.Err()}
	case <-timer.C:
		return &domain.TunnelError{Server: c.cfg.Server, Op: "connect", Err: errors.New("authorize ack timeout")}
	case a := <-ack:
		if !a.OK {
			return &domain.TunnelError{Server: c.cfg.Server, Op: "connect", Err: errors.New(a.Error)}
		}
		return nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("tunnel channel read failed", "err", err)
			}
			return
		}

		switch msg.Kind {
		case tunnelproto.KindPing:
			_ = conn.WriteMessage(tunnelproto.Message{Kind: tunnelproto.KindPong})
		case tunnelproto.KindPong:
			// keepalive answer, nothing to do
		case tunnelproto.KindAuthorizeAck:
			if msg.AuthorizeAck != nil {
				c.deliverAck(*msg.AuthorizeAck)
			}
		case tunnelproto.KindSessionRequest:
			if msg.SessionRequest != nil {
				go c.handleSessionRequest(ctx, conn, *msg.SessionRequest)
			}
		case tunnelproto.KindStreamOpen:
			if msg.StreamOpen != nil {
				c.openStream(ctx, conn, msg.StreamOpen.ID)
			}
		case tunnelproto.KindStreamData:
			if msg.StreamData != nil {
				c.feedStream(*msg.StreamData)
			}
		case tunnelproto.KindStreamClose:
			if msg.StreamClose != nil {
				c.closeStream(msg.StreamClose.ID)
			}
		case tunnelproto.KindClose:
			c.log.Info("relay closed the tunnel channel")
			_ = conn.Close()
			return
		case tunnelproto.KindError:
			c.log.Warn("relay reported channel error", "err", msg.Error)
		default:
			c.log.Debug("ignoring unknown channel frame", "kind", msg.Kind)
		}
	}
}

func (c *Client) keepalive(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(tunnelproto.Message{Kind: tunnelproto.KindPing}); err != nil {
				c.log.Warn("tunnel keepalive failed", "err", err)
				return
			}
		}
	}
}

func (c *Client) deliverAck(ack tunnelproto.AuthorizeAck) {
	c.mu.Lock()
	ch := c.ackCh
	c.ackCh = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- ack
	}
}

func (c *Client) handleSessionRequest(ctx context.Context, conn Conn, req tunnelproto.SessionRequest) {
	c.log.Debug("inbound session request", "session_id", req.ID, "caller_ip", req.CallerIP)
	if err := c.cfg.OnSessionRequest(ctx, req.CallerIP); err != nil {
		c.log.Warn("session request declined", "session_id", req.ID, "err", err)
		_ = conn.WriteMessage(tunnelproto.Message{
			Kind:        tunnelproto.KindStreamClose,
			StreamClose: &tunnelproto.StreamClose{ID: req.ID, Reason: err.Error()},
		})
	}
}

func (c *Client) openStream(ctx context.Context, conn Conn, id string) {
	st := newStreamConn(id, conn)
	c.mu.Lock()
	if c.streams == nil {
		c.mu.Unlock()
		st.closeLocal()
		return
	}
	c.streams[id] = st
	c.mu.Unlock()

	go func() {
		defer c.dropStream(id)
		c.serveSession(ctx, st)
	}()
}

func (c *Client) feedStream(data tunnelproto.StreamData) {
	c.mu.Lock()
	st := c.streams[data.ID]
	c.mu.Unlock()
	if st == nil {
		return
	}
	b, err := tunnelproto.DecodeBody(data.DataB64)
	if err != nil {
		c.log.Warn("malformed stream data", "session_id", data.ID, "err", err)
		c.closeStream(data.ID)
		return
	}
	st.feed(b)
}

func (c *Client) closeStream(id string) {
	c.mu.Lock()
	st := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if st != nil {
		st.closeLocal()
	}
}

func (c *Client) dropStream(id string) {
	c.mu.Lock()
	st := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if st != nil {
		st.closeLocal()
	}
}
