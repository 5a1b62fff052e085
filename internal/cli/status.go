package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/KafClaw/salesclaw/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ SalesClaw Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("📊 SalesClaw Status")
		fmt.Printf("Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found, using defaults and environment")
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Providers.OpenAI.APIKey != "" {
			fmt.Println("API Key: ✓ Found")
		} else {
			fmt.Println("API Key: ✗ Not found")
		}

		catPath := cfg.Tools.Catalog.Path
		if catPath == "" {
			catPath = filepath.Join(cfg.Paths.Workspace, "catalog.yaml")
		}
		if _, err := os.Stat(catPath); err == nil {
			fmt.Println("Catalog: ✓ " + catPath)
		} else {
			fmt.Println("Catalog: ✗ Missing " + catPath)
		}

		if cfg.Channels.WhatsApp.Enabled {
			fmt.Println("WhatsApp: ✓ Enabled")
		} else {
			fmt.Println("WhatsApp: ✗ Disabled")
		}
		if _, err := os.Stat(filepath.Join(cfg.Paths.DataDir, "whatsapp.db")); err == nil {
			fmt.Println("WhatsApp Link: ✓ Session found (no QR needed)")
		} else {
			fmt.Println("WhatsApp Link: ✗ No session (QR written to " + filepath.Join(cfg.Paths.DataDir, "whatsapp-qr.png") + " on start)")
		}
		if cfg.Channels.Presale.Enabled {
			fmt.Printf("Pre-sale: ✓ %s:%d%s\n", cfg.Gateway.Host, cfg.Gateway.Port, cfg.Channels.Presale.Path)
		}

		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		if tl.IsSilentMode() {
			fmt.Println("Silent:  on (nothing is sent)")
		} else {
			fmt.Println("Silent:  off")
		}
		if open, err := tl.ListOpenHandoffs(cmd.Context()); err == nil {
			fmt.Printf("Handoffs: %d open\n", len(open))
		}
		return nil
	},
}
