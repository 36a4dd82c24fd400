package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Workspace  string           `json:"workspace" env:"ALICE_WORKSPACE"`
	User       UserConfig       `json:"user"`
	Generation GenerationConfig `json:"generation"`
	Modes      ModesConfig      `json:"modes"`
	Session    SessionConfig    `json:"session"`
	Memory     MemoryConfig     `json:"memory"`
	Gateway    GatewayConfig    `json:"gateway"`
	Channels   ChannelsConfig   `json:"channels"`
	Log        LogConfig        `json:"log"`
	mu         sync.RWMutex
}

type UserConfig struct {
	// ID is the local console user.
	ID          string `json:"id" env:"ALICE_USER_ID"`
	DisplayName string `json:"display_name" env:"ALICE_USER_DISPLAY_NAME"`
}

type GenerationConfig struct {
	Backend        string `json:"backend" env:"ALICE_GENERATION_BACKEND"` // openai, ollama or echo
	Model          string `json:"model" env:"ALICE_GENERATION_MODEL"`
	APIBase        string `json:"api_base" env:"ALICE_GENERATION_API_BASE"`
	APIKey         string `json:"api_key" env:"ALICE_GENERATION_API_KEY"`
	Proxy          string `json:"proxy,omitempty" env:"ALICE_GENERATION_PROXY"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"ALICE_GENERATION_TIMEOUT_SECONDS"`
}

type ModesConfig struct {
	Default string `json:"default" env:"ALICE_MODES_DEFAULT"`
	// File is an optional YAML catalog of custom modes and built-in overrides.
	File string `json:"file" env:"ALICE_MODES_FILE"`
}

type SessionConfig struct {
	IdleTimeoutMinutes int `json:"idle_timeout_minutes" env:"ALICE_SESSION_IDLE_TIMEOUT_MINUTES"`
	ArchiveAfterHours  int `json:"archive_after_hours" env:"ALICE_SESSION_ARCHIVE_AFTER_HOURS"`
	ContextTurns       int `json:"context_turns" env:"ALICE_SESSION_CONTEXT_TURNS"`
	ContextTokens      int `json:"context_tokens" env:"ALICE_SESSION_CONTEXT_TOKENS"`
}

type MemoryConfig struct {
	DBPath string `json:"db_path" env:"ALICE_MEMORY_DB_PATH"`
	// RetentionDays purges archived sessions older than this. 0 keeps everything.
	RetentionDays int    `json:"retention_days" env:"ALICE_MEMORY_RETENTION_DAYS"`
	SweepCron     string `json:"sweep_cron" env:"ALICE_MEMORY_SWEEP_CRON"`
	ReadRetries   int    `json:"read_retries" env:"ALICE_MEMORY_READ_RETRIES"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"ALICE_GATEWAY_HOST"`
	Port int    `json:"port" env:"ALICE_GATEWAY_PORT"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"ALICE_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"ALICE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type LogConfig struct {
	Level string `json:"level" env:"ALICE_LOG_LEVEL"`
	File  string `json:"file" env:"ALICE_LOG_FILE"`
	JSON  bool   `json:"json" env:"ALICE_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.alice",
		User: UserConfig{
			ID:          "local",
			DisplayName: "",
		},
		Generation: GenerationConfig{
			Backend:        "ollama",
			Model:          "llama3.2",
			APIBase:        "",
			TimeoutSeconds: 120,
		},
		Modes: ModesConfig{
			Default: "assistant",
		},
		Session: SessionConfig{
			IdleTimeoutMinutes: 30,
			ArchiveAfterHours:  24,
			ContextTurns:       20,
			ContextTokens:      2048,
		},
		Memory: MemoryConfig{
			DBPath:        "~/.alice/memory/alice.db",
			RetentionDays: 30,
			SweepCron:     "*/15 * * * *",
			ReadRetries:   3,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 7860,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DefaultPath is ~/.alice/config.json unless ALICE_CONFIG points elsewhere.
func DefaultPath() string {
	if p := os.Getenv("ALICE_CONFIG"); p != "" {
		return expandHome(p)
	}
	return expandHome("~/.alice/config.json")
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.DBPath == "" {
		return filepath.Join(expandHome(c.Workspace), "memory", "alice.db")
	}
	return expandHome(c.Memory.DBPath)
}

func (c *Config) ModesFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Modes.File)
}

func (c *Config) LogFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Log.File)
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Generation.APIBase != "" {
		return c.Generation.APIBase
	}
	switch c.Generation.Backend {
	case "ollama":
		return "http://127.0.0.1:11434"
	default:
		return "http://127.0.0.1:8080/v1"
	}
}

func (c *Config) GenerationTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Generation.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

func (c *Config) IdleAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Session.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) ArchiveAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Session.ArchiveAfterHours) * time.Hour
}

// Retention is zero when purging is disabled.
func (c *Config) Retention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Memory.RetentionDays) * 24 * time.Hour
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
