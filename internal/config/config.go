package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Limits on tunable values. Out-of-range settings are clamped rather than
// rejected so an aggressive config file cannot take the server down.
const (
	MinReadBufferKB = 512
	MaxReadBufferKB = 20 * 1024
	MaxInlineFileKB = 600
	MaxReapDelaySec = 3600
)

// Config represents the relay server configuration, loaded from a JSON file.
type Config struct {
	ListenAddr string `json:"listen_addr"`

	// compute engine connection
	ComputeHost        string `json:"compute_host"`
	ComputePort        int    `json:"compute_port"`
	ComputeViaLauncher bool   `json:"compute_via_launcher"`
	LauncherURL        string `json:"launcher_url"`

	// connect retry policy: the worker never retries itself, the owning
	// session creates a fresh worker per attempt
	ComputeConnectAttempts   int `json:"compute_connect_attempts"`
	ComputeConnectMinDelayMS int `json:"compute_connect_min_delay_ms"`
	ComputeConnectMaxDelayMS int `json:"compute_connect_max_delay_ms"`

	ReadBufferSizeKB     int `json:"read_buffer_size_kb"`
	MaxInlineFileSizeKB  int `json:"max_inline_file_size_kb"`
	SessionReapDelaySecs int `json:"session_reap_delay_seconds"`

	// local persistence
	DBPath string `json:"db_path"`

	// database credentials forwarded to the compute engine in the open message
	ComputeDBHost string `json:"compute_db_host"`
	ComputeDBPort string `json:"compute_db_port"`
	DBUser        string `json:"db_user"`
	DBName        string `json:"db_name"`
	DBPassword    string `json:"db_password"`

	JWTHMACSecret  string `json:"jwt_hmac_secret"`
	AuthCookieName string `json:"auth_cookie_name"`

	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path"`

	// traffic logging toggles, one per direction per channel
	LogClientIncoming  bool `json:"log_client_incoming"`
	LogClientOutgoing  bool `json:"log_client_outgoing"`
	LogComputeIncoming bool `json:"log_compute_incoming"`
	LogComputeOutgoing bool `json:"log_compute_outgoing"`
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               "localhost:8088",
		ComputeHost:              "localhost",
		ComputePort:              7714,
		ComputeConnectAttempts:   3,
		ComputeConnectMinDelayMS: 250,
		ComputeConnectMaxDelayMS: 5000,
		ReadBufferSizeKB:         1024,
		MaxInlineFileSizeKB:      600,
		SessionReapDelaySecs:     300,
		DBPath:                   "relayd.db",
		ComputeDBHost:            "localhost",
		ComputeDBPort:            "5432",
		DBUser:                   "rc2",
		DBName:                   "rc2",
		AuthCookieName:           "rc2_auth",
		LogLevel:                 "info",
	}
}

// Load reads a JSON config file, overlaying it on the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clamp forces tunables into their allowed ranges
func (c *Config) clamp() {
	if c.ReadBufferSizeKB < MinReadBufferKB {
		c.ReadBufferSizeKB = MinReadBufferKB
	}
	if c.ReadBufferSizeKB > MaxReadBufferKB {
		c.ReadBufferSizeKB = MaxReadBufferKB
	}
	if c.MaxInlineFileSizeKB <= 0 || c.MaxInlineFileSizeKB > MaxInlineFileKB {
		c.MaxInlineFileSizeKB = MaxInlineFileKB
	}
	if c.SessionReapDelaySecs < 0 {
		c.SessionReapDelaySecs = 0
	}
	if c.SessionReapDelaySecs > MaxReapDelaySec {
		c.SessionReapDelaySecs = MaxReapDelaySec
	}
	if c.ComputeConnectAttempts < 1 {
		c.ComputeConnectAttempts = 1
	}
	if c.ComputeConnectMinDelayMS < 1 {
		c.ComputeConnectMinDelayMS = 1
	}
	if c.ComputeConnectMaxDelayMS < c.ComputeConnectMinDelayMS {
		c.ComputeConnectMaxDelayMS = c.ComputeConnectMinDelayMS
	}
}

// Validate checks settings that cannot be fixed by clamping
func (c *Config) Validate() error {
	if c.ComputeViaLauncher && c.LauncherURL == "" {
		return fmt.Errorf("compute_via_launcher requires launcher_url")
	}
	if !c.ComputeViaLauncher && c.ComputeHost == "" {
		return fmt.Errorf("compute_host must be set")
	}
	return nil
}

// ReadBufferBytes returns the read buffer bound in bytes
func (c *Config) ReadBufferBytes() int {
	return c.ReadBufferSizeKB * 1024
}

// MaxInlineFileBytes returns the maximum inline file-transfer size in bytes
func (c *Config) MaxInlineFileBytes() int64 {
	return int64(c.MaxInlineFileSizeKB) * 1024
}

// ReapDelay returns the session reap grace period. Zero disables reaping.
func (c *Config) ReapDelay() time.Duration {
	return time.Duration(c.SessionReapDelaySecs) * time.Second
}

// ConnectMinDelay returns the minimum delay between worker connect attempts
func (c *Config) ConnectMinDelay() time.Duration {
	return time.Duration(c.ComputeConnectMinDelayMS) * time.Millisecond
}

// ConnectMaxDelay returns the maximum delay between worker connect attempts
func (c *Config) ConnectMaxDelay() time.Duration {
	return time.Duration(c.ComputeConnectMaxDelayMS) * time.Millisecond
}
