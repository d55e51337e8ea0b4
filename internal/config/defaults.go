package config

func Defaults() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout:       30,
			EnableStopCommand: false,
			StopCommand:       "/stop",
			SendsPerSecond:    25,
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Driver: "json",
			Dir:    "~/.notibot/NotiBot",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}
