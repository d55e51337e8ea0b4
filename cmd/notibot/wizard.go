package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"notibot/internal/config"

	"github.com/spf13/cobra"
)

var knownDrivers = []struct {
	ID   string
	Desc string
}{{"json", "two JSON files (compatible with older NotiBot state)"}, {"sqlite", "single SQLite database"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: bot token → HTTP endpoint → state storage → save config",
		Long:  "Guides you through the Telegram bot token, the HTTP listen address, where state is kept, and the optional stop command. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Bot token
	fmt.Println("\n--- Step 1: Telegram bot ---")
	fmt.Fprintf(os.Stdout, "Bot token from @BotFather, or ${%s} to read it from the environment", config.TokenEnv)
	defTok := cfg.Telegram.Token
	if defTok == "" {
		defTok = "${" + config.TokenEnv + "}"
	}
	tok, err := prompt(defTok)
	if err != nil {
		return err
	}
	cfg.Telegram.Token = tok

	// Step 2: HTTP endpoint
	fmt.Println("\n--- Step 2: HTTP endpoint (POST /send) ---")
	fmt.Fprint(os.Stdout, "Listen host")
	host, err := prompt(cfg.HTTP.Host)
	if err != nil {
		return err
	}
	cfg.HTTP.Host = host
	fmt.Fprint(os.Stdout, "Listen port")
	portStr, err := prompt(strconv.Itoa(cfg.HTTP.Port))
	if err != nil {
		return err
	}
	if port, err := strconv.Atoi(portStr); err == nil {
		cfg.HTTP.Port = port
	}

	// Step 3: State storage
	fmt.Println("\n--- Step 3: State storage ---")
	for i, d := range knownDrivers {
		fmt.Fprintf(os.Stdout, "  %d) %s - %s\n", i+1, d.ID, d.Desc)
	}
	fmt.Fprint(os.Stdout, "Choose storage (1–"+fmt.Sprint(len(knownDrivers))+")")
	defNum := "1"
	for i, d := range knownDrivers {
		if d.ID == cfg.Store.Driver {
			defNum = fmt.Sprint(i + 1)
			break
		}
	}
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownDrivers) {
		idx = 1
	}
	cfg.Store.Driver = knownDrivers[idx-1].ID
	fmt.Fprint(os.Stdout, "State directory")
	dir, err := prompt(cfg.Store.Dir)
	if err != nil {
		return err
	}
	cfg.Store.Dir = dir
	if err := os.MkdirAll(config.ExpandPath(cfg.Store.Dir), 0o777); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	fmt.Fprintf(os.Stdout, "  Using %s storage in %s\n", cfg.Store.Driver, cfg.Store.Dir)

	// Step 4: Stop command
	fmt.Println("\n--- Step 4: Stop command ---")
	fmt.Fprint(os.Stdout, "Allow a chat line to stop polling? (y/n)")
	defStop := "n"
	if cfg.Telegram.EnableStopCommand {
		defStop = "y"
	}
	yn, err := prompt(defStop)
	if err != nil {
		return err
	}
	cfg.Telegram.EnableStopCommand = strings.HasPrefix(strings.ToLower(yn), "y")
	if cfg.Telegram.EnableStopCommand {
		fmt.Fprint(os.Stdout, "Stop command text")
		sc, err := prompt(cfg.Telegram.StopCommand)
		if err != nil {
			return err
		}
		cfg.Telegram.StopCommand = sc
	}

	// Save
	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'notibot doctor', then 'notibot serve'.")
	return nil
}
