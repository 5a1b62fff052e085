package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var handoffsCmd = &cobra.Command{
	Use:   "handoffs",
	Short: "List and resolve human handoffs",
	RunE:  runHandoffsList,
}

var handoffsResolveCmd = &cobra.Command{
	Use:   "resolve <handoff-id>",
	Short: "Close a handoff and give the conversation back to the agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		if err := tl.ResolveHandoff(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Handoff %s resolved\n", args[0])
		return nil
	},
}

var followupsCmd = &cobra.Command{
	Use:   "followups",
	Short: "List follow-ups that are due now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		due, err := tl.ListDueFollowups(cmd.Context(), time.Now(), 100)
		if err != nil {
			return err
		}
		printHeader("⏰ Due Follow-ups")
		if len(due) == 0 {
			fmt.Println("Nothing due.")
			return nil
		}
		for _, f := range due {
			fmt.Printf("%s  %s  %s  attempts=%d  %s\n", f.FollowupID, f.DueAt.Local().Format("2006-01-02 15:04"),
				f.EntityKey, f.Attempts, f.Note)
		}
		return nil
	},
}

func init() {
	handoffsCmd.AddCommand(handoffsResolveCmd)
}

func runHandoffsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()

	open, err := tl.ListOpenHandoffs(cmd.Context())
	if err != nil {
		return err
	}
	printHeader("🙋 Open Handoffs")
	if len(open) == 0 {
		fmt.Println("No open handoffs.")
		return nil
	}
	for _, h := range open {
		fmt.Printf("%s  %s  %s  %s\n", h.HandoffID, h.CreatedAt.Local().Format("2006-01-02 15:04"), h.EntityKey, h.Reason)
	}
	return nil
}
