package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

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

	var raw []any
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
	Channels ChannelsConfig `json:"channels"`
	Webhook  WebhookConfig  `json:"webhook"`
	Dedup    DedupConfig    `json:"dedup"`
	Media    MediaConfig    `json:"media"`
	Delivery DeliveryConfig `json:"delivery"`
	Log      LogConfig      `json:"log"`
}

type ChannelsConfig struct {
	QQ     QQConfig     `json:"qq"`
	OneBot OneBotConfig `json:"onebot"`
}

// QQ connection modes.
const (
	QQModeWebSocket = "websocket"
	QQModeWebhook   = "webhook"
)

type QQConfig struct {
	Enabled        bool                `env:"QQGATE_CHANNELS_QQ_ENABLED"          json:"enabled"`
	AppID          string              `env:"QQGATE_CHANNELS_QQ_APP_ID"           json:"app_id"`
	AppSecret      string              `env:"QQGATE_CHANNELS_QQ_APP_SECRET"       json:"app_secret"`
	Intents        int                 `env:"QQGATE_CHANNELS_QQ_INTENTS"          json:"intents"`
	Mode           string              `env:"QQGATE_CHANNELS_QQ_MODE"             json:"mode"`
	Sandbox        bool                `env:"QQGATE_CHANNELS_QQ_SANDBOX"          json:"sandbox"`
	APIBase        string              `env:"QQGATE_CHANNELS_QQ_API_BASE"         json:"api_base,omitempty"`
	TokenURL       string              `env:"QQGATE_CHANNELS_QQ_TOKEN_URL"        json:"token_url,omitempty"`
	ShardID        int                 `env:"QQGATE_CHANNELS_QQ_SHARD_ID"         json:"shard_id"`
	ShardCount     int                 `env:"QQGATE_CHANNELS_QQ_SHARD_COUNT"      json:"shard_count"`
	ReconnectDelay int                 `env:"QQGATE_CHANNELS_QQ_RECONNECT_DELAY"  json:"reconnect_delay"` // seconds
	MentionNames   []string            `env:"QQGATE_CHANNELS_QQ_MENTION_NAMES"    json:"mention_names,omitempty"`
	AllowFrom      FlexibleStringSlice `env:"QQGATE_CHANNELS_QQ_ALLOW_FROM"       json:"allow_from"`
}

type OneBotConfig struct {
	Enabled            bool                `env:"QQGATE_CHANNELS_ONEBOT_ENABLED"              json:"enabled"`
	WSUrl              string              `env:"QQGATE_CHANNELS_ONEBOT_WS_URL"               json:"ws_url"`
	AccessToken        string              `env:"QQGATE_CHANNELS_ONEBOT_ACCESS_TOKEN"         json:"access_token"`
	ReconnectInterval  int                 `env:"QQGATE_CHANNELS_ONEBOT_RECONNECT_INTERVAL"   json:"reconnect_interval"` // seconds
	ActionTimeout      int                 `env:"QQGATE_CHANNELS_ONEBOT_ACTION_TIMEOUT"       json:"action_timeout"`     // seconds
	AutoApproveFriends bool                `env:"QQGATE_CHANNELS_ONEBOT_AUTO_APPROVE_FRIENDS" json:"auto_approve_friends"`
	AutoApproveInvites bool                `env:"QQGATE_CHANNELS_ONEBOT_AUTO_APPROVE_INVITES" json:"auto_approve_invites"`
	WelcomeMessage     string              `env:"QQGATE_CHANNELS_ONEBOT_WELCOME_MESSAGE"      json:"welcome_message,omitempty"`
	AllowFrom          FlexibleStringSlice `env:"QQGATE_CHANNELS_ONEBOT_ALLOW_FROM"           json:"allow_from"`
}

type WebhookConfig struct {
	Enabled               bool                `env:"QQGATE_WEBHOOK_ENABLED"                 json:"enabled"`
	Host                  string              `env:"QQGATE_WEBHOOK_HOST"                    json:"host"`
	Port                  int                 `env:"QQGATE_WEBHOOK_PORT"                    json:"port"`
	Path                  string              `env:"QQGATE_WEBHOOK_PATH"                    json:"path"`
	VerifySignature       bool                `env:"QQGATE_WEBHOOK_VERIFY_SIGNATURE"        json:"verify_signature"`
	TrustForwardedHeaders bool                `env:"QQGATE_WEBHOOK_TRUST_FORWARDED_HEADERS" json:"trust_forwarded_headers"`
	TrustedProxies        FlexibleStringSlice `env:"QQGATE_WEBHOOK_TRUSTED_PROXIES"         json:"trusted_proxies"`
}

// Addr returns the listen address for the webhook server.
func (w WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

type DedupConfig struct {
	TTL           int    `env:"QQGATE_DEDUP_TTL"            json:"ttl"`            // seconds
	MaxEntries    int    `env:"QQGATE_DEDUP_MAX_ENTRIES"    json:"max_entries"`
	SweepInterval int    `env:"QQGATE_DEDUP_SWEEP_INTERVAL" json:"sweep_interval"` // seconds
	RedisURL      string `env:"QQGATE_DEDUP_REDIS_URL"      json:"redis_url,omitempty"`
}

// MediaConfig describes the image host used before QQ rich-media sends.
type MediaConfig struct {
	ImageHostURL   string `env:"QQGATE_MEDIA_IMAGE_HOST_URL"   json:"image_host_url"`
	ImageHostToken string `env:"QQGATE_MEDIA_IMAGE_HOST_TOKEN" json:"image_host_token,omitempty"`
	FormField      string `env:"QQGATE_MEDIA_FORM_FIELD"       json:"form_field"`
	ResponseURL    string `env:"QQGATE_MEDIA_RESPONSE_URL"     json:"response_url"` // gjson path into the upload response
	Timeout        int    `env:"QQGATE_MEDIA_TIMEOUT"          json:"timeout"`      // seconds
}

type DeliveryConfig struct {
	MaxSeq       int `env:"QQGATE_DELIVERY_MAX_SEQ"       json:"max_seq"`
	CounterLimit int `env:"QQGATE_DELIVERY_COUNTER_LIMIT" json:"counter_limit"`
}

type LogConfig struct {
	Level string `env:"QQGATE_LOG_LEVEL" json:"level"`
}

// Validate reports configuration that would prevent an enabled channel from
// starting.
func (c *Config) Validate() error {
	var errs []error
	qq := c.Channels.QQ
	if qq.Enabled {
		if qq.AppID == "" || qq.AppSecret == "" {
			errs = append(errs, errors.New("channels.qq: app_id and app_secret are required"))
		}
		if qq.Intents <= 0 {
			errs = append(errs, errors.New("channels.qq: intents must be a positive bitmask"))
		}
		if qq.Mode != QQModeWebSocket && qq.Mode != QQModeWebhook {
			errs = append(errs, fmt.Errorf("channels.qq: unknown mode %q", qq.Mode))
		}
		if qq.Mode == QQModeWebhook && !c.Webhook.Enabled {
			errs = append(errs, errors.New("channels.qq: webhook mode requires webhook.enabled"))
		}
	}
	if c.Channels.OneBot.Enabled && c.Channels.OneBot.WSUrl == "" {
		errs = append(errs, errors.New("channels.onebot: ws_url is required"))
	}
	if c.Webhook.Enabled {
		if !strings.HasPrefix(c.Webhook.Path, "/") {
			errs = append(errs, fmt.Errorf("webhook: path %q must start with /", c.Webhook.Path))
		}
		if c.Channels.QQ.AppSecret == "" {
			errs = append(errs, errors.New("webhook: channels.qq.app_secret is required for signing"))
		}
	}
	return errors.Join(errs...)
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

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
