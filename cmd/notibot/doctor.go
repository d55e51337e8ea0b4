package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notibot/internal/config"
	"notibot/internal/store"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your NotiBot installation",
		Long: `Verifies that NotiBot's configuration, state directory, bot token and
HTTP port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("NotiBot Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'notibot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Bot token
			if strings.TrimSpace(cfg.Telegram.Token) == "" {
				printFail("Telegram token", fmt.Sprintf("not set (telegram.token or %s)", config.TokenEnv))
				failed++
			} else if !strings.Contains(cfg.Telegram.Token, ":") {
				printWarn("Telegram token", "does not look like a BotFather token")
				warned++
			} else {
				printPass("Telegram token", config.Sanitize(cfg).Telegram.Token)
				passed++
			}

			// 4. State directory writable
			if err := checkStateDir(cfg.Store.Dir); err != nil {
				printFail("State directory", err.Error())
				failed++
			} else {
				printPass("State directory", cfg.Store.Dir)
				passed++
			}

			// 5. State records readable
			if err := checkState(cfg); err != nil {
				printFail("State records", err.Error())
				failed++
			} else {
				printPass("State records", storeDriver(cfg))
				passed++
			}

			// 6. SQLite database writable
			if cfg.Store.Driver == "sqlite" {
				dbPath := filepath.Join(cfg.Store.Dir, store.SQLiteFileName)
				if err := checkDatabase(dbPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", dbPath)
					passed++
				}
			}

			// 7. HTTP port
			if err := checkPort(cfg.HTTP.Host, cfg.HTTP.Port); err != nil {
				printWarn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.HTTP.Port, err))
				warned++
			} else {
				printPass("HTTP port", fmt.Sprintf("%s:%d available", cfg.HTTP.Host, cfg.HTTP.Port))
				passed++
			}

			// 8. Log file writable
			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.Log.File)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running NotiBot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nNotiBot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! NotiBot is ready to run.\n")
			}
			return nil
		},
	}
}

// checkStateDir creates dir if needed and proves a file can be written there.
func checkStateDir(dir string) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)
	return nil
}

// checkState loads both records through the configured driver.
func checkState(cfg *config.Config) error {
	st, err := store.Open(store.Config{Driver: cfg.Store.Driver, Dir: cfg.Store.Dir}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := st.LoadGroups(ctx); err != nil {
		return err
	}
	if _, err := st.LoadCursor(ctx); err != nil {
		return err
	}
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
