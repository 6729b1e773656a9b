// Package config loads the gateway's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/naoina/toml"
)

// Config holds all runtime configuration loaded from the TOML file passed
// via --config.
type Config struct {
	ListenAddress       string `toml:"listen_address"`
	NumWebServerThreads int    `toml:"num_web_server_threads"`
	NumRelayThreads     int    `toml:"num_relay_threads"`
	NetworkAddress      string `toml:"network_address"` // upstream JSON-RPC endpoint
	SmartlikeAccount    string `toml:"smartlike_account"`
	SmartlikeKey        string `toml:"smartlike_key"`

	Name              string `toml:"name"`
	Summary           string `toml:"summary"`
	PublicKey         string `toml:"public_key"`  // PEM
	PrivateKey        string `toml:"private_key"` // PEM
	Instance          string `toml:"instance"`    // hostname
	MaxActorCacheSize int    `toml:"max_actor_cache_size"`
	Protocol          string `toml:"protocol"` // "http" | "https"
	LogTarget         string `toml:"log_target"`
}

// Load reads and validates the configuration file. Any error here is
// startup-fatal: the caller exits rather than running misconfigured.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	for _, kv := range []struct{ key, value string }{
		{"listen_address", c.ListenAddress},
		{"network_address", c.NetworkAddress},
		{"smartlike_account", c.SmartlikeAccount},
		{"smartlike_key", c.SmartlikeKey},
		{"public_key", c.PublicKey},
		{"private_key", c.PrivateKey},
		{"instance", c.Instance},
	} {
		if kv.value == "" {
			missing = append(missing, kv.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}

	switch c.Protocol {
	case "":
		c.Protocol = "https"
	case "http", "https":
	default:
		return fmt.Errorf("protocol must be \"http\" or \"https\", got %q", c.Protocol)
	}

	if c.NumWebServerThreads <= 0 {
		c.NumWebServerThreads = 4
	}
	if c.NumRelayThreads <= 0 {
		c.NumRelayThreads = 4
	}
	if c.MaxActorCacheSize <= 0 {
		c.MaxActorCacheSize = 1024
	}

	return nil
}

// BaseURL constructs an absolute URL on the gateway's own instance.
func (c *Config) BaseURL(path string) string {
	return c.Protocol + "://" + c.Instance + path
}
