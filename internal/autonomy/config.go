package autonomy

import (
	"strings"
	"time"

	"assistantd/internal/util"
)

type Config struct {
	Enabled     *bool             `json:"enabled"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat"`
	WeeklyReset WeeklyResetConfig `json:"weekly_reset"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
}

type HeartbeatConfig struct {
	Enabled    *bool  `json:"enabled"`
	Every      string `json:"every"`
	Path       string `json:"path"`
	OkToken    string `json:"ok_token"`
	NotifyMode string `json:"notify_mode"`
}

type WeeklyResetConfig struct {
	Enabled *bool  `json:"enabled"`
	Expr    string `json:"expr"`
	Prompt  string `json:"prompt"`
}

type SchedulerConfig struct {
	Timezone    string `json:"timezone"`
	TaskTimeout string `json:"task_timeout"`
	RunLog      *bool  `json:"run_log"`
}

const DefaultWeeklyResetPrompt = "Weekly reset: review the past week, close out finished items, " +
	"drop stale reminders and list anything that still needs attention this week."

func DefaultConfig() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			Every:      "30m",
			Path:       "HEARTBEAT.md",
			OkToken:    "HEARTBEAT_OK",
			NotifyMode: "auto",
		},
		WeeklyReset: WeeklyResetConfig{
			Expr:   "0 4 * * 1",
			Prompt: DefaultWeeklyResetPrompt,
		},
		Scheduler: SchedulerConfig{
			Timezone:    "Local",
			TaskTimeout: "10m",
		},
	}
}

func (c Config) WithDefaults() Config {
	out := c
	def := DefaultConfig()
	if out.Enabled == nil {
		v := true
		out.Enabled = &v
	}

	if out.Heartbeat.Enabled == nil {
		v := true
		out.Heartbeat.Enabled = &v
	}
	if strings.TrimSpace(out.Heartbeat.Every) == "" {
		out.Heartbeat.Every = def.Heartbeat.Every
	}
	if strings.TrimSpace(out.Heartbeat.Path) == "" {
		out.Heartbeat.Path = def.Heartbeat.Path
	}
	if strings.TrimSpace(out.Heartbeat.OkToken) == "" {
		out.Heartbeat.OkToken = def.Heartbeat.OkToken
	}
	if strings.TrimSpace(out.Heartbeat.NotifyMode) == "" {
		out.Heartbeat.NotifyMode = def.Heartbeat.NotifyMode
	}

	if out.WeeklyReset.Enabled == nil {
		v := true
		out.WeeklyReset.Enabled = &v
	}
	if strings.TrimSpace(out.WeeklyReset.Expr) == "" {
		out.WeeklyReset.Expr = def.WeeklyReset.Expr
	}
	if strings.TrimSpace(out.WeeklyReset.Prompt) == "" {
		out.WeeklyReset.Prompt = def.WeeklyReset.Prompt
	}

	if strings.TrimSpace(out.Scheduler.Timezone) == "" {
		out.Scheduler.Timezone = def.Scheduler.Timezone
	}
	if strings.TrimSpace(out.Scheduler.TaskTimeout) == "" {
		out.Scheduler.TaskTimeout = def.Scheduler.TaskTimeout
	}
	if out.Scheduler.RunLog == nil {
		v := true
		out.Scheduler.RunLog = &v
	}
	return out
}

func (c Config) AutonomyEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c Config) HeartbeatEnabled() bool {
	return c.AutonomyEnabled() && (c.Heartbeat.Enabled == nil || *c.Heartbeat.Enabled)
}

func (c Config) WeeklyResetEnabled() bool {
	return c.AutonomyEnabled() && (c.WeeklyReset.Enabled == nil || *c.WeeklyReset.Enabled)
}

func (c Config) HeartbeatEvery() time.Duration {
	return util.ParseDurationOrDefault(c.Heartbeat.Every, 30*time.Minute)
}

func (c Config) TaskTimeout() time.Duration {
	return util.ParseDurationOrDefault(c.Scheduler.TaskTimeout, 10*time.Minute)
}

func LoadConfig(configPath string) (Config, error) {
	var cfg Config
	found, err := util.ReadConfigSection(configPath, "autonomy", &cfg)
	if err != nil {
		return Config{}, err
	}
	if !found {
		return DefaultConfig().WithDefaults(), nil
	}
	return cfg.WithDefaults(), nil
}
