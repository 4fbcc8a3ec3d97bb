// Package tunnelproto defines the JSON wire protocol exchanged between the
// relay server and its agents over the persistent tunnel channel.
package tunnelproto

import (
	"encoding/base64"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindHello          = "hello"
	KindAuthorize      = "authorize"
	KindAuthorizeAck   = "authorize_ack"
	KindSessionRequest = "session_request"
	KindStreamOpen     = "stream_open"
	KindStreamData     = "stream_data"
	KindStreamClose    = "stream_close"
	KindPing           = "ping"
	KindPong           = "pong"
	KindError          = "error"
	KindClose          = "close"
)

// Message is the top-level envelope exchanged on the tunnel channel.
type Message struct {
	Kind           string          `json:"kind"`
	Hello          *Hello          `json:"hello,omitempty"`
	Authorize      *Authorize      `json:"authorize,omitempty"`
	AuthorizeAck   *AuthorizeAck   `json:"authorize_ack,omitempty"`
	SessionRequest *SessionRequest `json:"session_request,omitempty"`
	StreamOpen     *StreamOpen     `json:"stream_open,omitempty"`
	StreamData     *StreamData     `json:"stream_data,omitempty"`
	StreamClose    *StreamClose    `json:"stream_close,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Hello authenticates the channel on transports that cannot carry an
// Authorization header during the handshake.
type Hello struct {
	AccessKey string `json:"access_key"`
}

// Authorize presents a session token plus the AES key material that scopes
// one relayed inbound session. The relay consumes the token before opening
// the session stream.
type Authorize struct {
	Token     string `json:"token"`
	AESKeyB64 string `json:"aes_key"`
	AESIVB64  string `json:"aes_iv"`
}

// AuthorizeAck reports the relay's verdict on an [Authorize].
type AuthorizeAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SessionRequest notifies the agent of an inbound connection attempt. The
// agent answers by brokering a session token and sending [Authorize].
type SessionRequest struct {
	ID       string `json:"id"`
	CallerIP string `json:"caller_ip,omitempty"`
}

// StreamOpen starts the byte stream for an authorized session.
type StreamOpen struct {
	ID string `json:"id"`
}

// StreamData carries raw session bytes for a stream.
type StreamData struct {
	ID      string `json:"id"`
	DataB64 string `json:"data_b64,omitempty"`
}

// StreamClose ends a session stream.
type StreamClose struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
