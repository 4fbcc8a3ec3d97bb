package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`relaylink - remote access tunnel agent and relay

Expose a local service through a relay server with end-to-end session
authorization: every inbound connection is approved by the agent with a
single-use token before any bytes flow.

Usage:
  relaylink agent --backend URL --access-key KEY --port PORT
                                        Run the agent: register, obtain a
                                        certificate, and keep the tunnel up
  relaylink relay --domain DOMAIN       Run the development relay server
  relaylink accesskey                   Generate a new agent access key
  relaylink version                     Print version
  relaylink help                        Show this help

Quick Start (development):
  1. relaylink relay --domain devrelay.test          # start the dev relay
  2. relaylink accesskey                             # mint an access key
  3. relaylink agent --backend http://127.0.0.1:10080 \
       --access-key KEY --port 8123 \
       --cert-mode selfsigned --relay-port 10080 --insecure-relay

Environment Variables:
  RELAYLINK_BACKEND_URL     Control-plane base URL
  RELAYLINK_ACCESS_KEY      Agent access key
  RELAYLINK_LOCAL_PORT      Local port the tunnel forwards to
  RELAYLINK_CERT_DIR        Certificate cache directory
  RELAYLINK_CERT_MODE       Certificate mode: acme|selfsigned
  RELAYLINK_TRANSPORT       Tunnel transport: ws|quic
  RELAYLINK_RELAY_PORT      Relay channel port (default: 443)
  RELAYLINK_DB_PATH         Relay SQLite database path
  RELAYLINK_LOG_LEVEL       Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("relaylink", Version)
}
