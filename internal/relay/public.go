package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/relaylink/relaylink/internal/tunnelproto"
)

const publicCopyBufSize = 32 << 10

func (s *Server) servePublic(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handlePublicConn(ctx, conn)
	}
}

// handlePublicConn brokers one inbound connection: announce it to the active
// agent, wait for an authorized session, then pipe bytes both ways over the
// channel.
func (s *Server) handlePublicConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ch := s.activeChannel()
	if ch == nil {
		s.log.Debug("inbound connection with no agent channel", "caller", conn.RemoteAddr().String())
		return
	}

	id, err := newSessionID()
	if err != nil {
		s.log.Error("session id generation failed", "err", err)
		return
	}
	callerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	ps := newPublicSession(id)
	if err := ch.requestSession(ctx, ps, callerIP, s.cfg.SessionWait); err != nil {
		s.log.Warn("session not authorized", "session_id", id, "caller", callerIP, "err", err)
		return
	}
	s.log.Info("session authorized", "session_id", id, "caller", callerIP)

	if err := ch.write(tunnelproto.Message{
		Kind:       tunnelproto.KindStreamOpen,
		StreamOpen: &tunnelproto.StreamOpen{ID: id},
	}); err != nil {
		ch.unregisterSession(ps)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pipeToAgent(conn, ch, ps)
	}()
	s.pipeToCaller(conn, ps)

	// Unblock the reader goroutine before waiting for it.
	_ = conn.Close()
	ch.unregisterSession(ps)
	<-done
}

// pipeToAgent reads caller bytes and forwards them as stream frames.
func (s *Server) pipeToAgent(conn net.Conn, ch *channel, ps *publicSession) {
	buf := make([]byte, publicCopyBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			werr := ch.write(tunnelproto.Message{
				Kind:       tunnelproto.KindStreamData,
				StreamData: &tunnelproto.StreamData{ID: ps.id, DataB64: tunnelproto.EncodeBody(buf[:n])},
			})
			if werr != nil {
				return
			}
		}
		if err != nil {
			reason := ""
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				reason = err.Error()
			}
			_ = ch.write(tunnelproto.Message{
				Kind:        tunnelproto.KindStreamClose,
				StreamClose: &tunnelproto.StreamClose{ID: ps.id, Reason: reason},
			})
			return
		}
		select {
		case <-ps.done:
			return
		default:
		}
	}
}

// pipeToCaller drains agent frames back onto the caller's socket.
func (s *Server) pipeToCaller(conn net.Conn, ps *publicSession) {
	for {
		select {
		case b := <-ps.data:
			if _, err := conn.Write(b); err != nil {
				return
			}
		case <-ps.done:
			// flush anything already queued before closing
			for {
				select {
				case b := <-ps.data:
					if _, err := conn.Write(b); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
