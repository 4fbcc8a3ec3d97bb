package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/relaylink/relaylink/internal/tunnelproto"
)

// streamConn adapts one relayed session stream to net.Conn so the standard
// TLS and HTTP machinery can run over it. Reads consume stream_data frames;
// writes emit them.
type streamConn struct {
	id   string
	conn Conn

	inbox chan []byte
	buf   []byte // unread remainder of the last frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamConn(id string, conn Conn) *streamConn {
	return &streamConn{
		id:     id,
		conn:   conn,
		inbox:  make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (s *streamConn) feed(b []byte) {
	if len(b) == 0 {
		return
	}
	select {
	case s.inbox <- b:
	case <-s.closed:
	}
}

func (s *streamConn) closeLocal() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *streamConn) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		select {
		case b := <-s.inbox:
			s.buf = b
		case <-s.closed:
			// drain anything already queued before reporting EOF
			select {
			case b := <-s.inbox:
				s.buf = b
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *streamConn) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}
	msg := tunnelproto.Message{
		Kind:       tunnelproto.KindStreamData,
		StreamData: &tunnelproto.StreamData{ID: s.id, DataB64: tunnelproto.EncodeBody(p)},
	}
	if err := s.conn.WriteMessage(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *streamConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteMessage(tunnelproto.Message{
			Kind:        tunnelproto.KindStreamClose,
			StreamClose: &tunnelproto.StreamClose{ID: s.id},
		})
	})
	return nil
}

func (s *streamConn) LocalAddr() net.Addr                { return streamAddr(s.id) }
func (s *streamConn) RemoteAddr() net.Addr               { return streamAddr(s.id) }
func (s *streamConn) SetDeadline(t time.Time) error      { return nil }
func (s *streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (s *streamConn) SetWriteDeadline(t time.Time) error { return nil }

type streamAddr string

func (a streamAddr) Network() string { return "relay" }
func (a streamAddr) String() string  { return string(a) }

// serveSession terminates TLS on a relayed session using the certificate
// provisioned for the assigned domain and proxies the decoded HTTP traffic
// to the local service.
func (c *Client) serveSession(ctx context.Context, st *streamConn) {
	local, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", c.cfg.LocalPort))
	if err != nil {
		c.log.Error("invalid local URL", "err", err)
		return
	}

	tlsConn := tls.Server(st, c.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.log.Warn("session TLS handshake failed", "session_id", st.id, "err", err)
		_ = st.Close()
		return
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(local)
			pr.SetXForwarded()
		},
	}

	srv := &http.Server{
		Handler:           proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-st.closed
		_ = tlsConn.Close()
	}()

	// Serve exactly this one connection; the listener reports closed once
	// the conn has been accepted and the stream has ended.
	_ = srv.Serve(&singleConnListener{conn: tlsConn, done: st.closed})
}

// singleConnListener hands out one already-established connection, then
// blocks until the session ends.
type singleConnListener struct {
	conn net.Conn
	done <-chan struct{}

	mu       sync.Mutex
	accepted bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	first := !l.accepted
	l.accepted = true
	l.mu.Unlock()
	if first {
		return l.conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
