package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/relaylink/relaylink/internal/config"
	"github.com/relaylink/relaylink/internal/debughttp"
	ilog "github.com/relaylink/relaylink/internal/log"
	"github.com/relaylink/relaylink/internal/relay"
	"github.com/relaylink/relaylink/internal/store/sqlite"
)

func runRelay(ctx context.Context, args []string) int {
	cfg, err := config.ParseRelayFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if err := debughttp.Serve(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "db migration error:", err)
		return 1
	}

	s := relay.New(cfg, store, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relay error:", err)
		return 1
	}
	logger.Info("relay stopped")
	return 0
}
