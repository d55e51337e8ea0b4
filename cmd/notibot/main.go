package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"notibot/internal/channel"
	"notibot/internal/config"
	"notibot/internal/cursor"
	"notibot/internal/dispatch"
	"notibot/internal/domain"
	"notibot/internal/metrics"
	"notibot/internal/registry"
	"notibot/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "notibot",
		Short: "NotiBot: relay notifications into Telegram groups",
		Long: `NotiBot forwards {message, chatName} requests into Telegram groups the bot
has joined. Requests arrive over HTTP (POST /send) or as chat lines sent to the bot.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				logger.Warn("cannot load .env file", "err", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.notibot/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: ./.env)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(groupsCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults plus environment
// overrides when the file does not exist.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(cfgPath); !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Warn("config not found, using defaults", "path", cfgPath)
	cfg = config.Defaults()
	cfg.ApplyEnv()
	cfg.Store.Dir = config.ExpandPath(cfg.Store.Dir)
	return cfg, nil
}

// setupLogger replaces the global logger with one built from cfg. The
// returned func closes the log file, if any.
func setupLogger(cfg config.LogConfig) (func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return closeFn, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closeFn, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
	return closeFn, nil
}

// relay bundles the state components shared by the commands.
type relay struct {
	store    store.Store
	registry *registry.Registry
	cursor   *cursor.Cursor
}

func openRelay(cfg *config.Config) (*relay, error) {
	st, err := store.Open(store.Config{Driver: cfg.Store.Driver, Dir: cfg.Store.Dir}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r := &relay{
		store:    st,
		registry: registry.New(st, logger),
		cursor:   cursor.New(st, logger),
	}
	return r, nil
}

func (r *relay) Close() error { return r.store.Close() }

func connectTelegram(cfg *config.Config) (*channel.Telegram, error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, fmt.Errorf("telegram token not configured (set telegram.token or %s)", config.TokenEnv)
	}
	return channel.NewTelegram(channel.TelegramConfig{
		Token:          cfg.Telegram.Token,
		PollTimeout:    cfg.Telegram.PollTimeout,
		SendsPerSecond: cfg.Telegram.SendsPerSecond,
		Logger:         logger,
	})
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			stateDir := config.ExpandPath(cfg.Store.Dir)
			if err := os.MkdirAll(stateDir, 0o777); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "state", stateDir)
			fmt.Printf("Next: set telegram.token (or %s) and run 'notibot serve'.\n", config.TokenEnv)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram poll loop and the HTTP send endpoint",
		Long: `Connects to Telegram, learns the groups the bot is in, relays send requests
typed to the bot, and serves POST /send. Press Ctrl+C to stop.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg.Log)
	defer closeLog()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rl, err := openRelay(cfg)
	if err != nil {
		return err
	}
	defer rl.Close()

	tg, err := connectTelegram(cfg)
	if err != nil {
		return err
	}

	engine := dispatch.New(dispatch.Config{
		Backend:           tg,
		Registry:          rl.registry,
		Cursor:            rl.cursor,
		Logger:            logger,
		EnableStopCommand: cfg.Telegram.EnableStopCommand,
		StopCommand:       cfg.Telegram.StopCommand,
	})

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Collector.Handler()
	}
	httpCh := channel.NewHTTP(channel.HTTPConfig{
		Host:    cfg.HTTP.Host,
		Port:    cfg.HTTP.Port,
		APIKey:  cfg.HTTP.APIKey,
		Metrics: metricsHandler,
		Logger:  logger,
	}, engine)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpCh.Start(ctx)
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := engine.Start(ctx); err != nil {
			logger.Error("dispatch loop ended", "err", err)
			return
		}
		if ctx.Err() == nil {
			logger.Info("dispatch loop stopped, HTTP endpoint still serving")
		}
	}()

	logger.Info("notibot started. Press Ctrl+C to stop.", "version", version)

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil {
			stop()
			<-loopDone
			return err
		}
	}
	logger.Info("shutting down...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatch loop did not stop in time")
		return fmt.Errorf("shutdown timed out")
	}
	select {
	case err := <-httpErr:
		if err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("http server did not stop in time")
		return fmt.Errorf("shutdown timed out")
	}
	logger.Info("shutdown complete")
	return nil
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <chatName> <message>",
		Short: "Send one message to a known group and exit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rl, err := openRelay(cfg)
			if err != nil {
				return err
			}
			defer rl.Close()

			tg, err := connectTelegram(cfg)
			if err != nil {
				return err
			}
			engine := dispatch.New(dispatch.Config{
				Backend:  tg,
				Registry: rl.registry,
				Cursor:   rl.cursor,
				Logger:   logger,
			})

			res := engine.SendDirect(ctx, strings.Join(args[1:], " "), args[0])
			fmt.Println(res.String())
			if res.Outcome != domain.OutcomeSent {
				return errors.New(res.String())
			}
			return nil
		},
	}
}

func groupsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List the groups the relay has learned",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rl, err := openRelay(cfg)
			if err != nil {
				return err
			}
			defer rl.Close()

			if err := rl.registry.Load(ctx); err != nil {
				return err
			}
			groups := rl.registry.Groups()
			if asJSON {
				data, _ := json.MarshalIndent(groups, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(groups) == 0 {
				fmt.Println("No groups yet. Add the bot to a group and post a message there.")
				return nil
			}
			fmt.Printf("%-32s %s\n", "GROUP", "CHAT ID")
			for _, g := range groups {
				fmt.Printf("%-32s %d\n", g.Name, g.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, cursor position and group count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rl, err := openRelay(cfg)
			if err != nil {
				return err
			}
			defer rl.Close()

			if err := rl.cursor.Load(ctx); err != nil {
				return err
			}
			if err := rl.registry.Load(ctx); err != nil {
				return err
			}
			snap := rl.cursor.Snapshot()
			token := config.Sanitize(cfg).Telegram.Token
			if token == "" {
				token = "(not set)"
			}

			fmt.Printf("NotiBot v%s\n", version)
			fmt.Printf("  %-18s %s\n", "config", cfgPath)
			fmt.Printf("  %-18s %s (%s)\n", "state", cfg.Store.Dir, storeDriver(cfg))
			fmt.Printf("  %-18s %s\n", "telegram token", token)
			fmt.Printf("  %-18s %s:%d\n", "http", cfg.HTTP.Host, cfg.HTTP.Port)
			fmt.Printf("  %-18s %d\n", "next offset", snap.LastUpdateOffset)
			fmt.Printf("  %-18s %d\n", "last message id", snap.LastMessageID)
			fmt.Printf("  %-18s %d\n", "groups", rl.registry.Len())
			return nil
		},
	}
}

func storeDriver(cfg *config.Config) string {
	if cfg.Store.Driver == "" {
		return "json"
	}
	return cfg.Store.Driver
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. http.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. store.driver sqlite)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
