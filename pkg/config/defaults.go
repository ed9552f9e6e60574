package config

// IntentGroupAndC2C is the intent bit required to receive group @-messages
// and direct messages.
const IntentGroupAndC2C = 1 << 25

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			QQ: QQConfig{
				Enabled:        false,
				Intents:        IntentGroupAndC2C,
				Mode:           QQModeWebSocket,
				ShardCount:     1,
				ReconnectDelay: 5,
				AllowFrom:      FlexibleStringSlice{},
			},
			OneBot: OneBotConfig{
				Enabled:           false,
				WSUrl:             "ws://127.0.0.1:3001",
				ReconnectInterval: 5,
				ActionTimeout:     10,
				AllowFrom:         FlexibleStringSlice{},
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			Host:            "0.0.0.0",
			Port:            18790,
			Path:            "/qq/callback",
			VerifySignature: true,
			TrustedProxies:  FlexibleStringSlice{},
		},
		Dedup: DedupConfig{
			TTL:           600,
			MaxEntries:    10000,
			SweepInterval: 60,
		},
		Media: MediaConfig{
			FormField:   "file",
			ResponseURL: "data.url",
			Timeout:     15,
		},
		Delivery: DeliveryConfig{
			MaxSeq:       4,
			CounterLimit: 5000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
