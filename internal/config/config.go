package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Endpoint struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

type Transport struct {
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	ProbePath        string        `mapstructure:"probe_path"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	SurfaceAfter     time.Duration `mapstructure:"surface_after"`
	SendLimit        int           `mapstructure:"send_limit"`
	SendWindow       time.Duration `mapstructure:"send_window"`
}

type Media struct {
	ProduceTimeout    time.Duration `mapstructure:"produce_timeout"`
	EndGrace          time.Duration `mapstructure:"end_grace"`
	SpeakingInterval  time.Duration `mapstructure:"speaking_interval"`
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	ICEServers        []string      `mapstructure:"ice_servers"`
}

type Config struct {
	Mode      string     `mapstructure:"mode"`
	Port      int        `mapstructure:"port"`
	LogLevel  string     `mapstructure:"log_level"`
	UserID    string     `mapstructure:"user_id"`
	Central   Endpoint   `mapstructure:"central"`
	Servers   []Endpoint `mapstructure:"servers"`
	Focus     string     `mapstructure:"focus"`
	Transport Transport  `mapstructure:"transport"`
	Media     Media      `mapstructure:"media"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8790)
	v.SetDefault("log_level", "info")

	v.SetDefault("transport.ping_period", "25s")
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.handshake_timeout", "10s")
	v.SetDefault("transport.read_limit", 1<<20)
	v.SetDefault("transport.backoff_base", "1s")
	v.SetDefault("transport.backoff_cap", "30s")
	v.SetDefault("transport.backoff_factor", 2.0)
	v.SetDefault("transport.probe_path", "/health")
	v.SetDefault("transport.probe_timeout", "3s")
	v.SetDefault("transport.surface_after", "10s")
	v.SetDefault("transport.send_limit", 20)
	v.SetDefault("transport.send_window", "1s")

	v.SetDefault("media.produce_timeout", "5s")
	v.SetDefault("media.end_grace", "3s")
	v.SetDefault("media.speaking_interval", "100ms")
	v.SetDefault("media.speaking_threshold", 0.08)
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Load reads config/config.<CONFIG_ENV>.yaml, then applies VOICECLIENT_* env overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("VOICECLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("servers", len(cfg.Servers)).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Transport.BackoffBase <= 0 || c.Transport.BackoffCap < c.Transport.BackoffBase {
		return errors.New("transport backoff: base must be positive and not above cap")
	}
	if c.Transport.BackoffFactor < 1 {
		return errors.New("transport backoff: factor must be >= 1")
	}
	if c.Media.ProduceTimeout <= 0 {
		return errors.New("media.produce_timeout must be positive")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" || s.Address == "" {
			return fmt.Errorf("server entry needs id and address: %+v", s)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
