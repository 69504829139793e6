package daemon

import (
	"strings"
	"time"

	"assistantd/internal/util"
)

type Config struct {
	StateDir           string `json:"state_dir"`
	LogPath            string `json:"log_path"`
	HistoryLimit       int    `json:"history_limit"`
	BrokerPollInterval string `json:"broker_poll_interval"`

	WSListen string `json:"ws_listen"`
	WSSecret string `json:"ws_secret"`

	RedisURL         string `json:"redis_url"`
	PresenceInterval string `json:"presence_interval"`
}

const (
	DefaultHistoryLimit     = 40
	DefaultPresenceInterval = 10 * time.Second
)

func (c Config) WithDefaults() Config {
	out := c
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = DefaultHistoryLimit
	}
	if strings.TrimSpace(out.BrokerPollInterval) == "" {
		out.BrokerPollInterval = "500ms"
	}
	if strings.TrimSpace(out.PresenceInterval) == "" {
		out.PresenceInterval = DefaultPresenceInterval.String()
	}
	return out
}

func (c Config) PollInterval() time.Duration {
	return util.ParseDurationOrDefault(c.BrokerPollInterval, 500*time.Millisecond)
}

func (c Config) PresenceEvery() time.Duration {
	return util.ParseDurationOrDefault(c.PresenceInterval, DefaultPresenceInterval)
}

// LoadConfig reads the "daemon" section of the config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := util.ReadConfigSection(path, "daemon", &cfg); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}
