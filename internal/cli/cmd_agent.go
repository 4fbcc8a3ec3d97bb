package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/relaylink/relaylink/internal/agent"
	"github.com/relaylink/relaylink/internal/backend"
	"github.com/relaylink/relaylink/internal/cert"
	"github.com/relaylink/relaylink/internal/config"
	"github.com/relaylink/relaylink/internal/debughttp"
	ilog "github.com/relaylink/relaylink/internal/log"
	"github.com/relaylink/relaylink/internal/remote"
	"github.com/relaylink/relaylink/internal/tunnel"
)

func runAgent(ctx context.Context, args []string) int {
	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if err := debughttp.Serve(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	api := backend.New(cfg.BackendURL, cfg.AccessKey, cfg.Timeout)

	var issuer cert.Issuer
	switch cfg.CertMode {
	case "acme":
		issuer = &cert.ACMEIssuer{
			DirectoryURL: cfg.ACMEDirectory,
			CacheDir:     cfg.CertDir,
			Solver:       api,
			Log:          logger,
		}
	default:
		issuer = &cert.SelfSignedIssuer{}
	}

	var dialer tunnel.Dialer
	switch cfg.Transport {
	case "quic":
		dialer = &tunnel.QUICDialer{AccessKey: cfg.AccessKey, Insecure: cfg.InsecureRelay}
	default:
		dialer = &tunnel.WSDialer{AccessKey: cfg.AccessKey, Insecure: cfg.InsecureRelay}
	}

	// The manager is wired after the factories that reference it; the
	// closures only run once it exists.
	var mgr *remote.Manager
	mgr = remote.NewManager(remote.Config{
		Backend: api,
		NewCertHandler: func(domain, email string) cert.Handler {
			return cert.NewFileHandler(domain, email, cfg.CertDir, issuer, logger)
		},
		NewTunnel: func(tlsConf *tls.Config, server string, port int) remote.TunnelClient {
			if cfg.RelayPort != 0 {
				port = cfg.RelayPort
			}
			return tunnel.New(tunnel.Config{
				Server:    server,
				Port:      port,
				TLSConfig: tlsConf,
				LocalPort: cfg.LocalPort,
				Dialer:    dialer,
				OnSessionRequest: func(ctx context.Context, callerIP string) error {
					return mgr.HandleConnectionRequest(ctx, callerIP)
				},
				Log: logger,
			})
		},
		Log: logger,
	})

	sup := agent.NewSupervisor(api.Health, cfg.ProbeInterval, logger)
	sup.RegisterOnConnect(mgr.LoadBackend)
	sup.RegisterOnDisconnect(mgr.CloseBackend)

	logger.Info("agent starting",
		"backend", cfg.BackendURL,
		"local_port", cfg.LocalPort,
		"cert_mode", cfg.CertMode,
		"transport", cfg.Transport,
	)

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	logger.Info("agent stopped")
	return 0
}
