package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/salesclaw/internal/config"
	"github.com/KafClaw/salesclaw/internal/secrets"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/salesclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  ____        _             ____ _\n" +
		" / ___|  __ _| | ___  ___  / ___| | __ ___      __\n" +
		" \\___ \\ / _` | |/ _ \\/ __|| |   | |/ _` \\ \\ /\\ / /\n" +
		"  ___) | (_| | |  __/\\__ \\| |___| | (_| |\\ V  V /\n" +
		" |____/ \\__,_|_|\\___||___/ \\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "salesclaw",
	Short: "SalesClaw - conversational sales agent",
	Long:  color.CyanString(logo) + "\nAnswers customers on WhatsApp and marketplace listings, quotes prices and shipping, and hands off to a human when needed.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(silentCmd)
	rootCmd.AddCommand(handoffsCmd)
	rootCmd.AddCommand(followupsCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(denyCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

// loadConfig reads the config, installs the logger and fills credentials
// from the keyring.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log, os.Stderr)
	secrets.Apply(cfg)
	return cfg, nil
}

// setupLogging installs the default slog logger.
func setupLogging(cfg config.LogConfig, w io.Writer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
