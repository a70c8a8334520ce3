package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default locations for the helper daemon on macOS.
const (
	DefaultSocketPath = "/var/run/mihomo-helper.sock"
	DefaultConfigPath = "/etc/mihomo-helper/config.yaml"
)

// SocketConfig controls the IPC listener.
type SocketConfig struct {
	Path string `yaml:"path,omitempty"`
	// IdleGraceSeconds is how long a socket-activated daemon stays alive
	// after the last client disconnects. 0 uses the default (30s).
	IdleGraceSeconds int `yaml:"idle_grace_seconds,omitempty"`
	// KeepAlive disables idle shutdown entirely.
	KeepAlive bool `yaml:"keep_alive,omitempty"`
}

// ClientsConfig controls which peers may connect to the IPC socket.
type ClientsConfig struct {
	// AllowedIdentifiers lists code-signing identifiers (bundle IDs) of
	// front-end binaries permitted to connect. An empty list admits root
	// peers only; the socket is world-writable, so anything looser must be
	// opted into explicitly.
	AllowedIdentifiers []string `yaml:"allowed_identifiers,omitempty"`
	// RequireCodesign admits any peer with a valid signature when the
	// allow-list is empty.
	RequireCodesign bool `yaml:"require_codesign,omitempty"`
	// AllowAnyPeer skips peer verification entirely. Development only.
	AllowAnyPeer bool `yaml:"allow_any_peer,omitempty"`
}

// EngineConfig describes the supervised mihomo subprocess.
type EngineConfig struct {
	BinaryPath  string `yaml:"binary_path,omitempty"`
	ConfigPath  string `yaml:"config_path,omitempty"`
	DataDir     string `yaml:"data_dir,omitempty"`
	ControlAddr string `yaml:"control_addr,omitempty"` // external controller, host:port
	// StopTimeoutSeconds bounds the wait for graceful exit before SIGKILL.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds,omitempty"`
}

// TUNConfig describes the virtual interface and packet-filter setup.
type TUNConfig struct {
	Address   string `yaml:"address,omitempty"`    // interface address, e.g. 198.18.0.1
	PrefixLen int    `yaml:"prefix_len,omitempty"` // e.g. 30
	MTU       int    `yaml:"mtu,omitempty"`
	// NATInterface is the physical uplink used in pf NAT rules (e.g. en0).
	// Empty means auto-discover from the default route.
	NATInterface string `yaml:"nat_interface,omitempty"`
	// RulesPath is where the generated pf rule file is written before load.
	RulesPath string `yaml:"rules_path,omitempty"`
	// MaxInterfaceIndex bounds the utunN allocation scan.
	MaxInterfaceIndex int `yaml:"max_interface_index,omitempty"`
}

// ExecConfig bounds external tool invocations.
type ExecConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// Config is the daemon's YAML configuration.
type Config struct {
	Socket  SocketConfig  `yaml:"socket,omitempty"`
	Clients ClientsConfig `yaml:"clients,omitempty"`
	Engine  EngineConfig  `yaml:"engine,omitempty"`
	TUN     TUNConfig     `yaml:"tun,omitempty"`
	Exec    ExecConfig    `yaml:"exec,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Socket.Path == "" {
		c.Socket.Path = DefaultSocketPath
	}
	if c.Socket.IdleGraceSeconds <= 0 {
		c.Socket.IdleGraceSeconds = 30
	}
	if c.Engine.DataDir == "" {
		c.Engine.DataDir = "/Library/Application Support/mihomo-helper"
	}
	if c.Engine.ControlAddr == "" {
		c.Engine.ControlAddr = "127.0.0.1:9090"
	}
	if c.Engine.StopTimeoutSeconds <= 0 {
		c.Engine.StopTimeoutSeconds = 5
	}
	if c.TUN.Address == "" {
		c.TUN.Address = "198.18.0.1"
	}
	if c.TUN.PrefixLen <= 0 {
		c.TUN.PrefixLen = 30
	}
	if c.TUN.MTU <= 0 {
		c.TUN.MTU = 1500
	}
	if c.TUN.RulesPath == "" {
		c.TUN.RulesPath = "/tmp/mihomo-helper-pf.conf"
	}
	if c.TUN.MaxInterfaceIndex <= 0 {
		c.TUN.MaxInterfaceIndex = 15
	}
	if c.Exec.TimeoutSeconds <= 0 {
		c.Exec.TimeoutSeconds = 10
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path must not be empty")
	}
	if c.TUN.PrefixLen < 1 || c.TUN.PrefixLen > 32 {
		return fmt.Errorf("tun.prefix_len out of range: %d", c.TUN.PrefixLen)
	}
	if c.TUN.MTU < 576 || c.TUN.MTU > 65535 {
		return fmt.Errorf("tun.mtu out of range: %d", c.TUN.MTU)
	}
	return nil
}

// IdleGrace returns the idle shutdown grace period.
func (c *Config) IdleGrace() time.Duration {
	return time.Duration(c.Socket.IdleGraceSeconds) * time.Second
}

// StopTimeout returns the engine graceful-stop bound.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Engine.StopTimeoutSeconds) * time.Second
}

// ExecTimeout returns the external tool invocation bound.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Exec.TimeoutSeconds) * time.Second
}

// LoadConfig reads, parses and validates the YAML config at path.
// A missing file is not an error: defaults are returned, so the daemon can
// run before the front-end has written any configuration.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
