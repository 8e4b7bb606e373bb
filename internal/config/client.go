package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRelayURL         = "ws://127.0.0.1:8080/ws"
	DefaultChunkSize        = 16 * 1024
	DefaultWindow           = 1
	DefaultIdleTimeout      = 30 * time.Second
	DefaultClientLogLevel   = "warn"
	clientConfigDirName     = "quickdrop"
	clientConfigFileName    = "config.yaml"
	maxClientChunkSize      = 256 * 1024
	maxClientTransferWindow = 64
)

// ClientConfig is the CLI's file-backed configuration.
type ClientConfig struct {
	RelayURL    string            `yaml:"relay_url"`
	ICEServers  []ICEServerConfig `yaml:"ice_servers"`
	ChunkSize   int               `yaml:"chunk_size"`
	Window      int               `yaml:"window"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
	OutputDir   string            `yaml:"output_dir"`
	LogLevel    string            `yaml:"log_level"`

	// UDPPortMin/Max restrict ICE host candidates to a port range, for hosts
	// behind a firewall with a fixed pinhole. Zero means any port.
	UDPPortMin uint16 `yaml:"udp_port_min"`
	UDPPortMax uint16 `yaml:"udp_port_max"`
}

type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RelayURL:    DefaultRelayURL,
		ChunkSize:   DefaultChunkSize,
		Window:      DefaultWindow,
		IdleTimeout: DefaultIdleTimeout,
		OutputDir:   ".",
		LogLevel:    DefaultClientLogLevel,
	}
}

// DefaultClientConfigPath returns $XDG_CONFIG_HOME/quickdrop/config.yaml (or
// the platform equivalent).
func DefaultClientConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, clientConfigDirName, clientConfigFileName), nil
}

// LoadClient reads path on top of the defaults. A missing file is an error
// only when required is set (the user named it explicitly).
func LoadClient(path string, required bool) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return ClientConfig{}, fmt.Errorf("read client config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse client config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("client config %s: %w", path, err)
	}
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	relay := strings.TrimSpace(c.RelayURL)
	switch {
	case !strings.HasPrefix(relay, "ws://") && !strings.HasPrefix(relay, "wss://"):
		return fmt.Errorf("relay_url must be a ws:// or wss:// URL (got %q)", c.RelayURL)
	case c.ChunkSize <= 0 || c.ChunkSize > maxClientChunkSize:
		return fmt.Errorf("chunk_size must be in 1..%d (got %d)", maxClientChunkSize, c.ChunkSize)
	case c.Window <= 0 || c.Window > maxClientTransferWindow:
		return fmt.Errorf("window must be in 1..%d (got %d)", maxClientTransferWindow, c.Window)
	case c.IdleTimeout < 0:
		return fmt.Errorf("idle_timeout must be >= 0 (got %s)", c.IdleTimeout)
	case (c.UDPPortMin == 0) != (c.UDPPortMax == 0):
		return errors.New("udp_port_min and udp_port_max must be set together")
	case c.UDPPortMin > c.UDPPortMax:
		return fmt.Errorf("udp_port_min (%d) must be <= udp_port_max (%d)", c.UDPPortMin, c.UDPPortMax)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	_, err := c.PeerICEServers()
	return err
}

// PeerICEServers converts the configured servers. A nil result means "ask the
// relay".
func (c ClientConfig) PeerICEServers() ([]webrtc.ICEServer, error) {
	if len(c.ICEServers) == 0 {
		return nil, nil
	}
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for i, s := range c.ICEServers {
		server := webrtc.ICEServer{
			URLs:     trimAll(s.URLs),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("ice_servers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}
