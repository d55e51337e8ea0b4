package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TokenEnv overrides telegram.token when set.
const TokenEnv = "NOTIBOT_TELEGRAM_TOKEN"

// Config is the root configuration for NotiBot.
type Config struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type TelegramConfig struct {
	Token             string  `json:"token" yaml:"token"`
	PollTimeout       int     `json:"pollTimeout" yaml:"pollTimeout"` // seconds
	EnableStopCommand bool    `json:"enableStopCommand" yaml:"enableStopCommand"`
	StopCommand       string  `json:"stopCommand" yaml:"stopCommand"`
	SendsPerSecond    float64 `json:"sendsPerSecond" yaml:"sendsPerSecond"`
}

type HTTPConfig struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "json" | "sqlite"
	Dir    string `json:"dir" yaml:"dir"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" | "json"
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// MetricsConfig toggles the /metrics endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.notibot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notibot"
	}
	return filepath.Join(home, ".notibot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv reads KEY=value pairs from path (".env" when empty) into the
// process environment. Variables already set are left alone. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("cannot load %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ApplyEnv()
	cfg.Store.Dir = ExpandPath(cfg.Store.Dir)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv copies environment overrides into cfg.
func (c *Config) ApplyEnv() {
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		c.Telegram.Token = tok
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml. The file
// holds the bot token, so it is created owner-only.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. An empty token is
// allowed here; commands that talk to Telegram check it themselves.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Telegram.PollTimeout < 0 || cfg.Telegram.PollTimeout > 300 {
		errs = append(errs, "telegram.pollTimeout must be between 0 and 300")
	}
	if cfg.Telegram.SendsPerSecond < 0 || cfg.Telegram.SendsPerSecond > 30 {
		errs = append(errs, "telegram.sendsPerSecond must be between 0 and 30")
	}
	if cfg.Telegram.EnableStopCommand && strings.TrimSpace(cfg.Telegram.StopCommand) == "" {
		errs = append(errs, "telegram.stopCommand must be set when enableStopCommand is true")
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 0 and 65535")
	}

	switch cfg.Store.Driver {
	case "", "json", "sqlite":
		// valid
	default:
		errs = append(errs, "store.driver must be one of: json, sqlite")
	}
	if strings.TrimSpace(cfg.Store.Dir) == "" {
		errs = append(errs, "store.dir is required")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "", "text", "json":
		// valid
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
