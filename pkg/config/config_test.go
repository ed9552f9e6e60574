package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexibleStringSlice_MixedTypes(t *testing.T) {
	var f FlexibleStringSlice
	require.NoError(t, json.Unmarshal([]byte(`["abc", 123456, 7.0]`), &f))
	assert.Equal(t, FlexibleStringSlice{"abc", "123456", "7"}, f)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, IntentGroupAndC2C, cfg.Channels.QQ.Intents)
	assert.Equal(t, 4, cfg.Delivery.MaxSeq)
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"channels": {"qq": {"enabled": true, "app_id": "102", "app_secret": "s", "allow_from": [1, "2"]}},
		"webhook": {"enabled": true, "path": "/cb", "trusted_proxies": ["10.0.0.0/8"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("QQGATE_WEBHOOK_PORT", "9000")
	t.Setenv("QQGATE_CHANNELS_QQ_MODE", "webhook")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Channels.QQ.Enabled)
	assert.Equal(t, "102", cfg.Channels.QQ.AppID)
	assert.Equal(t, FlexibleStringSlice{"1", "2"}, cfg.Channels.QQ.AllowFrom)
	assert.Equal(t, QQModeWebhook, cfg.Channels.QQ.Mode)
	assert.Equal(t, 9000, cfg.Webhook.Port)
	assert.Equal(t, "/cb", cfg.Webhook.Path)
	assert.True(t, cfg.Webhook.VerifySignature, "defaults survive partial files")
	assert.Equal(t, "0.0.0.0:9000", cfg.Webhook.Addr())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfig_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Channels.OneBot.Enabled = true
	cfg.Channels.OneBot.WelcomeMessage = "hi"

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Channels.QQ.Enabled = true
	cfg.Channels.QQ.Intents = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_id and app_secret")
	assert.Contains(t, err.Error(), "intents")

	cfg = DefaultConfig()
	cfg.Channels.QQ = QQConfig{Enabled: true, AppID: "1", AppSecret: "s", Intents: 1, Mode: QQModeWebhook}
	assert.ErrorContains(t, cfg.Validate(), "webhook mode requires")

	cfg = DefaultConfig()
	cfg.Webhook.Enabled = true
	cfg.Webhook.Path = "cb"
	err = cfg.Validate()
	assert.ErrorContains(t, err, "must start with /")
	assert.ErrorContains(t, err, "app_secret is required")
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".qqgate"), ExpandHome("~/.qqgate"))
	assert.Equal(t, "/etc/qqgate", ExpandHome("/etc/qqgate"))
	assert.Equal(t, "", ExpandHome(""))
}
