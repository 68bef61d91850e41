// Package config holds the tuning knobs for a qudp sender or
// receiver: idle timeouts, retry budgets, FEC and metrics toggles.
// The wire-level parameters (bind host/port, SWS bytes) stay
// positional CLI arguments and are layered on top of whatever this
// config provides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full set of tunable knobs, loaded from YAML on top of
// DefaultConfig.
type Config struct {
	Transfer TransferConfig `yaml:"Transfer"`
	FEC      FECConfig      `yaml:"FEC"`
	Log      LogConfig      `yaml:"Log"`
	Metrics  MetricsConfig  `yaml:"Metrics"`
}

// TransferConfig tunes the protocol engine's non-contractual timing.
type TransferConfig struct {
	// HandshakeRetries is the number of transfer requests the receiver
	// sends before giving up. The sender waits for a request
	// indefinitely.
	HandshakeRetries int `yaml:"HandshakeRetries"`
	// HandshakeTimeout bounds how long the receiver waits for the
	// sender's ready reply before sending its request again.
	HandshakeTimeout time.Duration `yaml:"HandshakeTimeout"`
	// EOFRetries is the number of times the sender sends the EOF
	// sentinel before giving up and treating the transfer as complete
	// anyway; exhaustion is a warning, not a fatal condition, since
	// the data phase has already finished by then.
	EOFRetries int `yaml:"EOFRetries"`
	// IdleACKInterval is how often the receiver re-sends its current
	// ACK state when no new data has arrived, so a lost final ACK
	// doesn't stall the sender until its own RTO fires.
	IdleACKInterval time.Duration `yaml:"IdleACKInterval"`
}

// FECConfig toggles the optional forward-error-correction layer.
type FECConfig struct {
	Enable       bool `yaml:"Enable"`
	DataShards   int  `yaml:"DataShards"`
	ParityShards int  `yaml:"ParityShards"`
}

// LogConfig configures zap's encoder and level.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// MetricsConfig toggles the Prometheus exporter.
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
}

// DefaultConfig returns the standard retry/timeout budgets: 5
// handshake attempts at a 2s timeout, up to 10 EOF attempts of one
// RTO each. FEC and metrics default off.
func DefaultConfig() *Config {
	return &Config{
		Transfer: TransferConfig{
			HandshakeRetries: 5,
			HandshakeTimeout: 2 * time.Second,
			EOFRetries:       10,
			IdleACKInterval:  200 * time.Millisecond,
		},
		FEC: FECConfig{
			Enable:       false,
			DataShards:   10,
			ParityShards: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enable: false,
			Host:   "0.0.0.0",
			Port:   9100,
		},
	}
}

// Load reads path as YAML layered on top of DefaultConfig. A missing
// file is not an error: the binary falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
