package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"rs_viewer/native/internal/domain"
)

// Config holds the application configuration.
type Config struct {
	BackendURL   string        `mapstructure:"backend_url"`
	APIToken     string        `mapstructure:"api_token"`
	DeviceID     string        `mapstructure:"device_id"`
	Streams      []string      `mapstructure:"streams"`
	MetadataPath string        `mapstructure:"metadata_path"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	ReadyPoll    time.Duration `mapstructure:"ready_poll"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	OutputDir    string        `mapstructure:"output_dir"`
	DiagAddr     string        `mapstructure:"diag_addr"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	LogLevel     string        `mapstructure:"log_level"`
}

// Load reads configuration from a .env file (if present), an optional YAML
// file and RSVIEWER_* environment variables. Environment variables take
// precedence over the file, and real environment over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RSVIEWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend_url", "http://localhost:8000")
	v.SetDefault("api_token", "")
	v.SetDefault("device_id", "")
	v.SetDefault("streams", "color,depth")
	v.SetDefault("metadata_path", "/socket")
	v.SetDefault("ready_timeout", "5s")
	v.SetDefault("ready_poll", "80ms")
	v.SetDefault("settle_delay", "500ms")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("output_dir", "./capture")
	v.SetDefault("diag_addr", "127.0.0.1:8089")
	v.SetDefault("ice_servers", "")
	v.SetDefault("log_level", "info")

	fileName := os.Getenv("RSVIEWER_CONFIG")
	if fileName == "" {
		fileName = "config/rsviewer.yaml"
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not loaded, using defaults and env")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config file")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// Env values and YAML strings arrive as one comma separated string.
	cfg.Streams = splitList(v.GetStringSlice("streams"))
	cfg.ICEServers = splitList(v.GetStringSlice("ice_servers"))
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if _, err := c.StreamOrder(); err != nil {
		return fmt.Errorf("streams: %w", err)
	}
	if c.ReadyPoll <= 0 {
		return fmt.Errorf("ready_poll must be positive")
	}
	if c.ReadyTimeout < c.ReadyPoll {
		return fmt.Errorf("ready_timeout (%s) is shorter than ready_poll (%s)", c.ReadyTimeout, c.ReadyPoll)
	}
	return nil
}

// StreamOrder returns the configured streams, canonicalised, as a negotiation order.
func (c *Config) StreamOrder() (domain.StreamOrder, error) {
	ids := make([]string, 0, len(c.Streams))
	for _, s := range c.Streams {
		ids = append(ids, string(domain.CanonicalStream(s)))
	}
	return domain.NewStreamOrder(ids...)
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
