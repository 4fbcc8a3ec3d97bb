package remote

import (
	"context"
	"crypto/tls"

	"github.com/relaylink/relaylink/internal/cert"
)

// serverTLSConfig builds a modern-profile TLS server config with the
// handler's chain and key. Loading the pair touches the filesystem and may
// block, so it runs on its own goroutine while the caller stays cancellable.
func serverTLSConfig(ctx context.Context, h cert.Handler) (*tls.Config, error) {
	type loadResult struct {
		pair tls.Certificate
		err  error
	}
	ch := make(chan loadResult, 1)
	go func() {
		pair, err := tls.LoadX509KeyPair(h.FullchainPath(), h.PrivateKeyPath())
		ch <- loadResult{pair: pair, err: err}
	}()

	var res loadResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		return nil, res.err
	}

	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		Certificates: []tls.Certificate{res.pair},
	}, nil
}
