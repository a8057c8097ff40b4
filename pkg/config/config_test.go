package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, err)
	assert.Equal(t, "anchor", cfg.Security.IDStrategy)
	assert.Equal(t, 1.0, cfg.Profile.AnalysisProbability)
	assert.True(t, cfg.Profile.EnableSobriquet)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"security": {"profile_id_salt": "s3cret", "id_strategy": "legacy"},
		"profile": {"impression_max_entries": 3},
		"channels": {"discord": {"allow_from": ["123", 456]}}
	}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Security.ProfileIDSalt)
	assert.Equal(t, "legacy", cfg.Security.IDStrategy)
	assert.Equal(t, 3, cfg.Profile.ImpressionMaxEntries)
	assert.Equal(t, FlexibleStringSlice{"123", "456"}, cfg.Channels.Discord.AllowFrom)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PERSONET_SECURITY_PROFILE_ID_SALT", "env-salt")
	t.Setenv("PERSONET_EXPORT_IMPRESSION_TAIL", "7")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, err)
	assert.Equal(t, "env-salt", cfg.Security.ProfileIDSalt)
	assert.Equal(t, 7, cfg.Export.ImpressionTail)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Security.ProfileIDSalt = "round-trip"

	assert.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "round-trip", loaded.Security.ProfileIDSalt)
}
