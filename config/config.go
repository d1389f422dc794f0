package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Duration wraps time.Duration so TOML values can use "5s" style strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the runtime settings for the auto-repay daemon.
type Config struct {
	RPCEndpoint       string    `toml:"RPCEndpoint"`
	ChainID           int64     `toml:"ChainID"`
	EngineAddress     string    `toml:"EngineAddress"`
	KeystorePath      string    `toml:"KeystorePath"`
	Account           string    `toml:"Account"`
	PassphraseEnv     string    `toml:"PassphraseEnv"`
	JournalPath       string    `toml:"JournalPath"`
	TokenRegistryPath string    `toml:"TokenRegistryPath"`
	ReconcileInterval Duration  `toml:"ReconcileInterval"`
	ConfirmTimeout    Duration  `toml:"ConfirmTimeout"`
	PreviewMaxAge     Duration  `toml:"PreviewMaxAge"`
	SlippageBps       uint16    `toml:"SlippageBps"`
	Gateway           Gateway   `toml:"Gateway"`
	Log               Log       `toml:"Log"`
	Telemetry         Telemetry `toml:"Telemetry"`
}

// Gateway configures the HTTP/WebSocket surface.
type Gateway struct {
	ListenAddress     string  `toml:"ListenAddress"`
	AuthSecret        string  `toml:"AuthSecret"`
	AuthIssuer        string  `toml:"AuthIssuer"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Log configures structured logging output.
type Log struct {
	Environment string `toml:"Environment"`
	File        string `toml:"File"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// Load reads the TOML configuration from the given path and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.RPCEndpoint = strings.TrimSpace(cfg.RPCEndpoint)
	cfg.EngineAddress = strings.TrimSpace(cfg.EngineAddress)
	cfg.KeystorePath = strings.TrimSpace(cfg.KeystorePath)
	cfg.Account = strings.TrimSpace(cfg.Account)
	cfg.PassphraseEnv = strings.TrimSpace(cfg.PassphraseEnv)
	cfg.JournalPath = strings.TrimSpace(cfg.JournalPath)
	cfg.TokenRegistryPath = strings.TrimSpace(cfg.TokenRegistryPath)
	if cfg.JournalPath == "" {
		cfg.JournalPath = "./autorepay-journal.db"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = Duration(5 * time.Second)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = Duration(90 * time.Second)
	}
	if cfg.PreviewMaxAge <= 0 {
		cfg.PreviewMaxAge = Duration(30 * time.Second)
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 50
	}
	cfg.Gateway.ListenAddress = strings.TrimSpace(cfg.Gateway.ListenAddress)
	if cfg.Gateway.ListenAddress == "" {
		cfg.Gateway.ListenAddress = ":8546"
	}
	if cfg.Gateway.RequestsPerMinute <= 0 {
		cfg.Gateway.RequestsPerMinute = 120
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 20
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.RPCEndpoint == "" {
		return fmt.Errorf("RPCEndpoint is required")
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("ChainID must be positive")
	}
	if !common.IsHexAddress(cfg.EngineAddress) {
		return fmt.Errorf("EngineAddress %q is not a valid address", cfg.EngineAddress)
	}
	if cfg.Account != "" && !common.IsHexAddress(cfg.Account) {
		return fmt.Errorf("Account %q is not a valid address", cfg.Account)
	}
	if cfg.SlippageBps >= 10_000 {
		return fmt.Errorf("SlippageBps must be below 10000")
	}
	return nil
}

// EngineAddr returns the parsed contract address.
func (cfg *Config) EngineAddr() common.Address {
	return common.HexToAddress(cfg.EngineAddress)
}

// AccountAddr returns the parsed signing account, zero when unset.
func (cfg *Config) AccountAddr() common.Address {
	if cfg.Account == "" {
		return common.Address{}
	}
	return common.HexToAddress(cfg.Account)
}
