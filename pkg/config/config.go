package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
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
	Bot       BotConfig       `json:"bot"`
	Security  SecurityConfig  `json:"security"`
	Storage   StorageConfig   `json:"storage"`
	Profile   ProfileConfig   `json:"profile"`
	Export    ExportConfig    `json:"export"`
	Extractor ExtractorConfig `json:"extractor"`
	Channels  ChannelsConfig  `json:"channels"`
	mu        sync.RWMutex
}

type BotConfig struct {
	// AccountID is the bot's own platform account. Sobriquet mappings
	// pointing at this account are discarded.
	AccountID string `json:"account_id" env:"PERSONET_BOT_ACCOUNT_ID"`
	Nickname  string `json:"nickname" env:"PERSONET_BOT_NICKNAME"`
}

type SecurityConfig struct {
	// ProfileIDSalt is mixed into every NaturalPersonID derivation.
	// Changing it orphans every existing profile.
	ProfileIDSalt string `json:"profile_id_salt" env:"PERSONET_SECURITY_PROFILE_ID_SALT"`
	// IDStrategy selects the derivation rule: "anchor" hashes the
	// first-seen platform account, "legacy" hashes an external person id
	// during the migration window.
	IDStrategy string `json:"id_strategy" env:"PERSONET_SECURITY_ID_STRATEGY"`
}

type StorageConfig struct {
	DBPath string `json:"db_path" env:"PERSONET_STORAGE_DB_PATH"`
}

type ProfileConfig struct {
	EnableSobriquet   bool `json:"enable_sobriquet" env:"PERSONET_PROFILE_ENABLE_SOBRIQUET"`
	EnableIdentity    bool `json:"enable_identity" env:"PERSONET_PROFILE_ENABLE_IDENTITY"`
	EnablePersonality bool `json:"enable_personality" env:"PERSONET_PROFILE_ENABLE_PERSONALITY"`
	EnableImpression  bool `json:"enable_impression" env:"PERSONET_PROFILE_ENABLE_IMPRESSION"`

	AnalysisProbability  float64 `json:"analysis_probability" env:"PERSONET_PROFILE_ANALYSIS_PROBABILITY"`
	AnalysisHistoryLimit int     `json:"analysis_history_limit" env:"PERSONET_PROFILE_ANALYSIS_HISTORY_LIMIT"`
	QueueMaxSize         int     `json:"queue_max_size" env:"PERSONET_PROFILE_QUEUE_MAX_SIZE"`
	ExtractorTimeoutMS   int     `json:"extractor_timeout_ms" env:"PERSONET_PROFILE_EXTRACTOR_TIMEOUT_MS"`

	SobriquetMinLength   int     `json:"sobriquet_min_length" env:"PERSONET_PROFILE_SOBRIQUET_MIN_LENGTH"`
	SobriquetMaxLength   int     `json:"sobriquet_max_length" env:"PERSONET_PROFILE_SOBRIQUET_MAX_LENGTH"`
	MaxSobriquetsPrompt  int     `json:"max_sobriquets_in_prompt" env:"PERSONET_PROFILE_MAX_SOBRIQUETS_IN_PROMPT"`
	ProbabilitySmoothing float64 `json:"probability_smoothing" env:"PERSONET_PROFILE_PROBABILITY_SMOOTHING"`

	// TraitMergeMode is "average" or "overwrite" for numeric personality
	// trait scores. Tags always merge by set union.
	TraitMergeMode string `json:"trait_merge_mode" env:"PERSONET_PROFILE_TRAIT_MERGE_MODE"`

	ImpressionMaxEntries int `json:"impression_max_entries" env:"PERSONET_PROFILE_IMPRESSION_MAX_ENTRIES"`
	ImpressionMaxAgeDays int `json:"impression_max_age_days" env:"PERSONET_PROFILE_IMPRESSION_MAX_AGE_DAYS"`

	// SweepSchedule is a cron expression gating the periodic retention
	// sweep. Empty disables the sweep.
	SweepSchedule string `json:"sweep_schedule" env:"PERSONET_PROFILE_SWEEP_SCHEDULE"`
}

type ExportConfig struct {
	ImpressionTail int `json:"impression_tail" env:"PERSONET_EXPORT_IMPRESSION_TAIL"`
	SummaryTopN    int `json:"summary_top_n" env:"PERSONET_EXPORT_SUMMARY_TOP_N"`
}

// ExtractorConfig points at an OpenAI-compatible chat completions
// endpoint used for analysis calls.
type ExtractorConfig struct {
	APIKey  string `json:"api_key" env:"PERSONET_EXTRACTOR_API_KEY"`
	APIBase string `json:"api_base" env:"PERSONET_EXTRACTOR_API_BASE"`
	Model   string `json:"model" env:"PERSONET_EXTRACTOR_MODEL"`
	Proxy   string `json:"proxy" env:"PERSONET_EXTRACTOR_PROXY"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"PERSONET_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"PERSONET_CHANNELS_DISCORD_ALLOW_FROM"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			AccountID: "",
			Nickname:  "personet",
		},
		Security: SecurityConfig{
			ProfileIDSalt: "default_salt_please_change_me",
			IDStrategy:    "anchor",
		},
		Storage: StorageConfig{
			DBPath: "~/.personet/state/profiles.db",
		},
		Profile: ProfileConfig{
			EnableSobriquet:      true,
			EnableIdentity:       true,
			EnablePersonality:    true,
			EnableImpression:     true,
			AnalysisProbability:  1.0,
			AnalysisHistoryLimit: 20,
			QueueMaxSize:         100,
			ExtractorTimeoutMS:   20000,
			SobriquetMinLength:   1,
			SobriquetMaxLength:   15,
			MaxSobriquetsPrompt:  5,
			ProbabilitySmoothing: 0.1,
			TraitMergeMode:       "average",
			ImpressionMaxEntries: 50,
			ImpressionMaxAgeDays: 180,
			SweepSchedule:        "*/10 * * * *",
		},
		Export: ExportConfig{
			ImpressionTail: 10,
			SummaryTopN:    3,
		},
		Extractor: ExtractorConfig{
			APIKey:  "",
			APIBase: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
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

func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.DBPath)
}

func (c *Config) Salt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Security.ProfileIDSalt
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
