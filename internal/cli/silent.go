package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/KafClaw/salesclaw/internal/channels"
	"github.com/KafClaw/salesclaw/internal/config"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

var silentCmd = &cobra.Command{
	Use:       "silent [on|off|status]",
	Short:     "Toggle WhatsApp silent mode (inbound is still logged, nothing is sent)",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE:      runSilent,
}

func runSilent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()

	action := "status"
	if len(args) == 1 {
		action = args[0]
	}
	switch action {
	case "on", "off":
		if err := tl.SetSetting(channels.SettingSilentMode, strconv.FormatBool(action == "on")); err != nil {
			return err
		}
		fmt.Printf("Silent mode: %s\n", action)
		if action == "off" && cfg.Channels.WhatsApp.StartSilent {
			fmt.Println("Note: startSilent is set, the next gateway start turns it back on.")
		}
	case "status":
		if tl.IsSilentMode() {
			fmt.Println("Silent mode: on")
		} else {
			fmt.Println("Silent mode: off")
		}
	default:
		return fmt.Errorf("unknown action %q (want on, off or status)", action)
	}
	return nil
}

func openTimeline(cfg *config.Config) (*timeline.TimelineService, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, err
	}
	return timeline.NewTimelineService(filepath.Join(cfg.Paths.DataDir, "timeline.db"))
}
