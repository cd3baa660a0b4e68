package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
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
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Context   ContextConfig   `json:"context"`
	Directory DirectoryConfig `json:"directory"`
	Gateway   GatewayConfig   `json:"gateway"`
	mu        sync.RWMutex
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token             string              `json:"token" env:"SMALLBOT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom         FlexibleStringSlice `json:"allow_from" env:"SMALLBOT_CHANNELS_DISCORD_ALLOW_FROM"`
	GuildID           string              `json:"guild_id" env:"SMALLBOT_CHANNELS_DISCORD_GUILD_ID"`
	BotName           string              `json:"bot_name" env:"SMALLBOT_CHANNELS_DISCORD_BOT_NAME"`
	MentionID         string              `json:"mention_id" env:"SMALLBOT_CHANNELS_DISCORD_MENTION_ID"`
	CommandPrefix     string              `json:"command_prefix" env:"SMALLBOT_CHANNELS_DISCORD_COMMAND_PREFIX"`
	RecordingsChannel string              `json:"recordings_channel" env:"SMALLBOT_CHANNELS_DISCORD_RECORDINGS_CHANNEL"`
	RecordingsURL     string              `json:"recordings_url" env:"SMALLBOT_CHANNELS_DISCORD_RECORDINGS_URL"`
	WelcomeEnabled    bool                `json:"welcome_enabled" env:"SMALLBOT_CHANNELS_DISCORD_WELCOME_ENABLED"`
	SlashCommands     bool                `json:"slash_commands" env:"SMALLBOT_CHANNELS_DISCORD_SLASH_COMMANDS"`
}

type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey         string `json:"api_key" env:"SMALLBOT_PROVIDERS_OPENAI_API_KEY"`
	APIBase        string `json:"api_base" env:"SMALLBOT_PROVIDERS_OPENAI_API_BASE"`
	Organization   string `json:"organization,omitempty" env:"SMALLBOT_PROVIDERS_OPENAI_ORGANIZATION"`
	Proxy          string `json:"proxy,omitempty" env:"SMALLBOT_PROVIDERS_OPENAI_PROXY"`
	Model          string `json:"model" env:"SMALLBOT_PROVIDERS_OPENAI_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"SMALLBOT_PROVIDERS_OPENAI_TIMEOUT_SECONDS"`
}

type ContextConfig struct {
	TTLHours            int    `json:"ttl_hours" env:"SMALLBOT_CONTEXT_TTL_HOURS"`
	ChannelHistoryLimit int    `json:"channel_history_limit" env:"SMALLBOT_CONTEXT_CHANNEL_HISTORY_LIMIT"`
	MaxEntries          int    `json:"max_entries" env:"SMALLBOT_CONTEXT_MAX_ENTRIES"` // 0 = unbounded
	SweepSchedule       string `json:"sweep_schedule" env:"SMALLBOT_CONTEXT_SWEEP_SCHEDULE"`
}

type DirectoryConfig struct {
	Path        string `json:"path" env:"SMALLBOT_DIRECTORY_PATH"`
	ProfileURL  string `json:"profile_url" env:"SMALLBOT_DIRECTORY_PROFILE_URL"`
	SearchURL   string `json:"search_url" env:"SMALLBOT_DIRECTORY_SEARCH_URL"`
	SearchLimit int    `json:"search_limit" env:"SMALLBOT_DIRECTORY_SEARCH_LIMIT"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"SMALLBOT_GATEWAY_HOST"`
	Port int    `json:"port" env:"SMALLBOT_GATEWAY_PORT"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:             "",
				AllowFrom:         FlexibleStringSlice{},
				BotName:           "smallbot",
				MentionID:         "1084897384045223936",
				CommandPrefix:     "!",
				RecordingsChannel: "📼recordings",
				RecordingsURL:     "https://home.smallbets.co/home/recordings",
				WelcomeEnabled:    true,
				SlashCommands:     true,
			},
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIBase:        "https://api.openai.com/v1",
				Model:          "gpt-4",
				TimeoutSeconds: 60,
			},
		},
		Context: ContextConfig{
			TTLHours:            24,
			ChannelHistoryLimit: 10,
			MaxEntries:          0,
			SweepSchedule:       "*/10 * * * *",
		},
		Directory: DirectoryConfig{
			Path:        "~/.smallbot/directory.db",
			ProfileURL:  "https://home.smallbets.co/Home/DirectoryProfile?userId=",
			SearchURL:   "https://home.smallbets.co/Home/Directory?SearchString=",
			SearchLimit: 10,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
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

// Validate reports configuration that makes the gateway unusable.
// requireDiscord is false for the local console.
func (c *Config) Validate(requireDiscord bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if requireDiscord && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		problems = append(problems, "channels.discord.token is required (or SMALLBOT_CHANNELS_DISCORD_TOKEN)")
	}
	if strings.TrimSpace(c.Providers.OpenAI.APIKey) == "" {
		problems = append(problems, "providers.openai.api_key is required (or SMALLBOT_PROVIDERS_OPENAI_API_KEY)")
	}
	if c.Context.ChannelHistoryLimit < 2 {
		problems = append(problems, "context.channel_history_limit must be at least 2")
	}
	if c.Context.MaxEntries < 0 {
		problems = append(problems, "context.max_entries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) ContextTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Context.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Context.TTLHours) * time.Hour
}

func (c *Config) ProviderTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenAI.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Providers.OpenAI.TimeoutSeconds) * time.Second
}

func (c *Config) DirectoryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Directory.Path)
}

// ExpandHome replaces a leading "~" with the user home directory.
func ExpandHome(path string) string {
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
