// Package config parses command-line flags and RELAYLINK_* environment
// variables into the agent and relay configurations.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig configures the remote-access agent.
type AgentConfig struct {
	BackendURL    string
	AccessKey     string
	LocalPort     int
	CertDir       string
	CertMode      string // acme|selfsigned
	ACMEDirectory string
	Transport     string // ws|quic
	RelayPort     int
	Timeout       time.Duration
	ProbeInterval time.Duration
	LogLevel      string
	PprofAddr     string
	InsecureRelay bool // skip relay certificate verification (dev only)
}

// RelayConfig configures the development relay / control-plane server.
type RelayConfig struct {
	ListenAPI       string
	ListenPublic    string
	DBPath          string
	BaseDomain      string
	AccessKeyPepper string
	TokenTTL        time.Duration
	SessionWait     time.Duration
	LogLevel        string
	PprofAddr       string
}

const defaultAgentCertDir = "./certs"
const defaultAgentProbeInterval = 30 * time.Second
const defaultAgentTimeout = 30 * time.Second
const defaultACMEDirectory = "https://acme-v02.api.letsencrypt.org/directory"
const defaultRelayAPIListen = ":10080"
const defaultRelayPublicListen = ":10443"
const defaultRelayDBPath = "./relaylink.db"
const defaultRelayTokenTTL = 60 * time.Second
const defaultRelaySessionWait = 10 * time.Second

// ParseAgentFlags parses agent flags with environment fallbacks.
func ParseAgentFlags(args []string) (AgentConfig, error) {
	cfg := AgentConfig{
		BackendURL:    envOrDefault("RELAYLINK_BACKEND_URL", ""),
		AccessKey:     envOrDefault("RELAYLINK_ACCESS_KEY", ""),
		LocalPort:     envIntOrDefault("RELAYLINK_LOCAL_PORT", 0),
		CertDir:       envOrDefault("RELAYLINK_CERT_DIR", defaultAgentCertDir),
		CertMode:      envOrDefault("RELAYLINK_CERT_MODE", "acme"),
		ACMEDirectory: envOrDefault("RELAYLINK_ACME_DIRECTORY", defaultACMEDirectory),
		Transport:     envOrDefault("RELAYLINK_TRANSPORT", "ws"),
		RelayPort:     envIntOrDefault("RELAYLINK_RELAY_PORT", 443),
		Timeout:       defaultAgentTimeout,
		ProbeInterval: defaultAgentProbeInterval,
		LogLevel:      envOrDefault("RELAYLINK_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "Control-plane base URL (e.g. https://api.example.com)")
	fs.StringVar(&cfg.AccessKey, "access-key", cfg.AccessKey, "Instance access key")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local service port on 127.0.0.1")
	fs.StringVar(&cfg.CertDir, "cert-dir", cfg.CertDir, "Certificate cache directory")
	fs.StringVar(&cfg.CertMode, "cert-mode", cfg.CertMode, "Certificate mode: acme|selfsigned")
	fs.StringVar(&cfg.ACMEDirectory, "acme-directory", cfg.ACMEDirectory, "ACME directory URL")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Tunnel transport: ws|quic")
	fs.IntVar(&cfg.RelayPort, "relay-port", cfg.RelayPort, "Relay server port")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Connectivity probe interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Optional pprof listen address")
	fs.BoolVar(&cfg.InsecureRelay, "insecure-relay", false, "Skip relay certificate verification (dev only)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BackendURL = strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	if cfg.BackendURL == "" {
		return cfg, errors.New("missing --backend or RELAYLINK_BACKEND_URL")
	}
	if cfg.AccessKey == "" {
		return cfg, errors.New("missing --access-key or RELAYLINK_ACCESS_KEY")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	if cfg.RelayPort <= 0 || cfg.RelayPort > 65535 {
		return cfg, errors.New("relay port must be between 1 and 65535")
	}
	switch cfg.CertMode {
	case "acme", "selfsigned":
	default:
		return cfg, fmt.Errorf("unknown cert mode %q (want acme or selfsigned)", cfg.CertMode)
	}
	switch cfg.Transport {
	case "ws", "quic":
	default:
		return cfg, fmt.Errorf("unknown transport %q (want ws or quic)", cfg.Transport)
	}

	return cfg, nil
}

// ParseRelayFlags parses relay server flags with environment fallbacks.
func ParseRelayFlags(args []string) (RelayConfig, error) {
	cfg := RelayConfig{
		ListenAPI:       envOrDefault("RELAYLINK_LISTEN_API", defaultRelayAPIListen),
		ListenPublic:    envOrDefault("RELAYLINK_LISTEN_PUBLIC", defaultRelayPublicListen),
		DBPath:          envOrDefault("RELAYLINK_DB_PATH", defaultRelayDBPath),
		BaseDomain:      envOrDefault("RELAYLINK_DOMAIN", ""),
		AccessKeyPepper: envOrDefault("RELAYLINK_ACCESS_KEY_PEPPER", ""),
		TokenTTL:        defaultRelayTokenTTL,
		SessionWait:     defaultRelaySessionWait,
		LogLevel:        envOrDefault("RELAYLINK_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAPI, "listen-api", cfg.ListenAPI, "Control-plane API listen address")
	fs.StringVar(&cfg.ListenPublic, "listen-public", cfg.ListenPublic, "Public relay listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Base domain for assigned instance hostnames")
	fs.StringVar(&cfg.AccessKeyPepper, "access-key-pepper", cfg.AccessKeyPepper, "Access key hash pepper override")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Session token time to live")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = strings.TrimSpace(strings.ToLower(cfg.BaseDomain))
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or RELAYLINK_DOMAIN")
	}
	if cfg.TokenTTL <= 0 {
		return cfg, errors.New("token ttl must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
