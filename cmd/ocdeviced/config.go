package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the device process's configuration. Every field except
// ConfigFile has a matching YAML key; parseFlags registers flags for a
// subset of them (the peer-count, pool-size, inactivity and TCP retry
// fields are YAML-only). Follows pkg/transport's *Config +
// Default*Config() shape.
type Config struct {
	DeviceID  string `yaml:"device_id"`
	StateDir  string `yaml:"state_dir"`
	Interface string `yaml:"interface"`

	ListenPort int    `yaml:"listen_port"`
	DTLSPort   int    `yaml:"dtls_port"`
	PeerAddr   string `yaml:"peer_addr"` // optional: dial out as a TLS client on start

	Ownership string `yaml:"ownership"` // "rfotm" or "rfnop"
	Oxm       string `yaml:"oxm"`       // "justworks", "pin", or "mfgcert"
	PIN       string `yaml:"pin"`

	MaxTLSPeers           int `yaml:"max_tls_peers"`
	MessagePoolSize       int `yaml:"message_pool_size"`
	DTLSInactivitySeconds int `yaml:"dtls_inactivity_seconds"`

	TCPConnectRetryMaxCount int `yaml:"tcp_connect_retry_max_count"`
	TCPConnectRetryTimeout  int `yaml:"tcp_connect_retry_timeout_seconds"`

	CloudEnabled      bool   `yaml:"cloud_enabled"`
	CloudCIURL        string `yaml:"cloud_ci_url"`
	CloudAuthProvider string `yaml:"cloud_auth_provider"`

	LogLevel        string `yaml:"log_level"`
	ProtocolLogFile string `yaml:"protocol_log_file"`

	ConfigFile string `yaml:"-"`
}

// DefaultConfig returns a Config with every field set to its built-in
// default, mirroring spec's build-time constants (MAX_TLS_PEERS,
// DTLS_INACTIVITY_TIMEOUT, TCP_CONNECT_RETRY_{MAX_COUNT,TIMEOUT}) as
// runtime defaults instead.
func DefaultConfig() Config {
	return Config{
		ListenPort:              8443,
		DTLSPort:                8444,
		Ownership:               "rfotm",
		Oxm:                     "justworks",
		MaxTLSPeers:             16,
		MessagePoolSize:         64,
		DTLSInactivitySeconds:   60,
		TCPConnectRetryMaxCount: 3,
		TCPConnectRetryTimeout:  5,
		LogLevel:                "info",
	}
}

// DTLSInactivityTimeout returns the configured inactivity timeout as a
// time.Duration.
func (c Config) DTLSInactivityTimeout() time.Duration {
	return time.Duration(c.DTLSInactivitySeconds) * time.Second
}

// TCPRetryTimeout returns the configured TCP connect-attempt timeout as
// a time.Duration.
func (c Config) TCPRetryTimeout() time.Duration {
	return time.Duration(c.TCPConnectRetryTimeout) * time.Second
}

// loadConfigFile merges path's YAML contents into cfg, overwriting only
// the fields present in the file.
func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// validateConfig rejects configurations the rest of main cannot act on.
func validateConfig(cfg *Config) error {
	switch cfg.Ownership {
	case "rfotm", "rfnop":
	default:
		return fmt.Errorf("ownership must be rfotm or rfnop, got %q", cfg.Ownership)
	}
	switch cfg.Oxm {
	case "justworks", "pin", "mfgcert":
	default:
		return fmt.Errorf("oxm must be justworks, pin, or mfgcert, got %q", cfg.Oxm)
	}
	if cfg.Oxm == "pin" && cfg.PIN == "" {
		return fmt.Errorf("oxm=pin requires a pin")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listen port out of range: %d", cfg.ListenPort)
	}
	if cfg.CloudEnabled && cfg.CloudCIURL == "" {
		return fmt.Errorf("cloud_enabled requires cloud_ci_url")
	}
	return nil
}

// preScanConfigFlag finds a "-config"/"--config" value in args without
// fully parsing the command line, so its contents can seed flag
// defaults before flag.Parse runs.
func preScanConfigFlag(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case len(arg) > 8 && arg[:8] == "-config=":
			return arg[8:]
		case len(arg) > 9 && arg[:9] == "--config=":
			return arg[9:]
		}
	}
	return ""
}
