package tunnel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/relaylink/relaylink/internal/tunnelproto"
)

// ChannelPath is the relay endpoint accepting persistent agent channels.
const ChannelPath = "/v1/channel"

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 15 * time.Second
	wsReadLimit        = 32 * 1024 * 1024
	quicKeepAlive      = 15 * time.Second
	quicIdleTimeout    = 90 * time.Second
)

// quicALPN identifies the tunnel channel protocol on QUIC connections.
const quicALPN = "relaylink-tunnel"

// Conn is a framed message channel to the relay. Implementations serialize
// their own writes.
type Conn interface {
	ReadMessage() (tunnelproto.Message, error)
	WriteMessage(tunnelproto.Message) error
	Close() error
}

// Dialer establishes the underlying channel transport to addr (host:port).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// WSDialer dials the relay channel over a TLS WebSocket.
type WSDialer struct {
	AccessKey string
	Insecure  bool // plaintext ws, no certificate verification (dev relay)
}

func (d *WSDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	scheme := "wss"
	if d.Insecure {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: ChannelPath}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: d.Insecure,
		},
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.AccessKey)

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("channel dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() (tunnelproto.Message, error) {
	var msg tunnelproto.Message
	err := c.conn.ReadJSON(&msg)
	return msg, err
}

func (c *wsConn) WriteMessage(msg tunnelproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		_ = c.conn.Close()
		return err
	}
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	err := c.conn.WriteJSON(msg)
	if err != nil {
		_ = c.conn.Close()
	}
	return err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// QUICDialer dials the relay channel over a single bidirectional QUIC
// stream carrying the same JSON frames as the WebSocket transport.
type QUICDialer struct {
	AccessKey string
	Insecure  bool
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{quicALPN},
		InsecureSkipVerify: d.Insecure,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	qc := &quicConn{
		conn:   conn,
		stream: stream,
		enc:    json.NewEncoder(stream),
		dec:    json.NewDecoder(stream),
	}
	// QUIC has no handshake header to carry credentials; authenticate
	// with a hello frame instead.
	hello := tunnelproto.Message{Kind: tunnelproto.KindHello, Hello: &tunnelproto.Hello{AccessKey: d.AccessKey}}
	if err := qc.WriteMessage(hello); err != nil {
		_ = qc.Close()
		return nil, fmt.Errorf("quic hello: %w", err)
	}
	return qc, nil
}

type quicConn struct {
	conn    *quic.Conn
	stream  *quic.Stream
	enc     *json.Encoder
	dec     *json.Decoder
	writeMu sync.Mutex
}

func (c *quicConn) ReadMessage() (tunnelproto.Message, error) {
	var msg tunnelproto.Message
	err := c.dec.Decode(&msg)
	return msg, err
}

func (c *quicConn) WriteMessage(msg tunnelproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(msg)
}

func (c *quicConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}
