// Package config loads veilclient's Config from a TOML file, with
// environment-variable overrides for the handful of settings operators
// most often need to flip without editing the file — the same ad-hoc
// override the teacher used for KR_LOG_SYSLOG in krd/main.go. Only
// passthrough_china, log_syslog and control_socket have env overrides;
// every other setting comes from the file or Defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// BrokerConfig carries the authorization subsystem's address; when nil
// on Config, the authentication handshake sends empty credentials.
type BrokerConfig struct {
	Endpoint string `toml:"endpoint"`
}

// StaticExitConfig describes a single fixed exit to dial. The
// route-discovery subsystem that would normally produce a
// DialerSnapshot is named as an external, interfaces-only collaborator
// (spec §1); this is the minimal concrete RouteSource cmd/veilclient
// builds when no such subsystem is wired in.
type StaticExitConfig struct {
	Address         string `toml:"address"`
	Protocol        string `toml:"protocol"`
	Identity        string `toml:"identity"`
	PublicKeyHex    string `toml:"public_key_hex"`
	SharedSecretHex string `toml:"shared_secret_hex"`
}

// Config is every tunable the session core and its ambient stack
// recognize. Zero-value fields are filled in by Defaults.
type Config struct {
	PassthroughChina bool              `toml:"passthrough_china"`
	Broker           *BrokerConfig     `toml:"broker"`
	StaticExit       *StaticExitConfig `toml:"static_exit"`

	WorkerCount     int           `toml:"worker_count"`
	DialAuthTimeout time.Duration `toml:"dial_auth_timeout"`
	PingInterval    time.Duration `toml:"ping_interval"`
	PingTimeout     time.Duration `toml:"ping_timeout"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
	RetryDelay      time.Duration `toml:"retry_delay"`

	LogSyslog     bool   `toml:"log_syslog"`
	ControlSocket string `toml:"control_socket"`
}

// Defaults returns the spec-mandated constants from §6: N=6 workers, a
// 15s dial+auth budget, 300s/10s ping liveness, a 600s refresh horizon,
// and a 1s retry delay.
func Defaults() Config {
	return Config{
		WorkerCount:     6,
		DialAuthTimeout: 15 * time.Second,
		PingInterval:    300 * time.Second,
		PingTimeout:     10 * time.Second,
		RefreshInterval: 600 * time.Second,
		RetryDelay:      time.Second,
		ControlSocket:   "veilclient.sock",
	}
}

// Load reads path as TOML over Defaults(), then applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VEILCLIENT_PASSTHROUGH_CHINA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PassthroughChina = b
		}
	}
	if v := os.Getenv("VEILCLIENT_LOG_SYSLOG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogSyslog = b
		}
	}
	if v := os.Getenv("VEILCLIENT_CONTROL_SOCKET"); v != "" {
		cfg.ControlSocket = v
	}
}

// Validate rejects configurations the session core cannot run with.
func (cfg Config) Validate() error {
	if cfg.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be >= 1, got %d", cfg.WorkerCount)
	}
	if cfg.DialAuthTimeout <= 0 {
		return fmt.Errorf("config: dial_auth_timeout must be positive")
	}
	if cfg.PingTimeout <= 0 || cfg.PingInterval <= 0 {
		return fmt.Errorf("config: ping_interval and ping_timeout must be positive")
	}
	return nil
}
