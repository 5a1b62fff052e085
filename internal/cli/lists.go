package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/salesclaw/internal/channels"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

var listRemove bool

var allowCmd = &cobra.Command{
	Use:   "allow [number...]",
	Short: "Show or edit the WhatsApp allow list (empty admits every customer)",
	RunE:  runPhoneList,
}

var denyCmd = &cobra.Command{
	Use:   "deny [number...]",
	Short: "Show or edit the WhatsApp deny list",
	RunE:  runPhoneList,
}

func init() {
	for _, c := range []*cobra.Command{allowCmd, denyCmd} {
		c.Flags().BoolVarP(&listRemove, "remove", "r", false, "Remove the numbers instead of adding them")
	}
}

func runPhoneList(cmd *cobra.Command, args []string) error {
	key := channels.PhoneLists[cmd.Name()]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()

	var list []string
	if len(args) == 0 {
		list, err = readPhoneList(tl, key)
	} else {
		list, err = channels.EditPhoneList(tl, key, args, listRemove)
	}
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Printf("%s list is empty\n", cmd.Name())
	} else {
		fmt.Printf("%s list (%d):\n", cmd.Name(), len(list))
		for _, n := range list {
			fmt.Printf("  %s\n", n)
		}
	}
	if len(args) > 0 {
		fmt.Printf("A running gateway picks this up within %s.\n", authReload)
	}
	return nil
}

func readPhoneList(tl *timeline.TimelineService, key string) ([]string, error) {
	raw, err := tl.GetSetting(key)
	if errors.Is(err, timeline.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return channels.ParseList(raw), nil
}
