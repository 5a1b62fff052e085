package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/salesclaw/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage credentials stored in the OS keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("🔑 Stored Credentials")
		for _, name := range secrets.Names() {
			val, err := secrets.Get(name)
			switch {
			case err != nil:
				fmt.Printf("%-20s ? %v\n", name, err)
			case val == "":
				fmt.Printf("%-20s ✗ not set\n", name)
			default:
				fmt.Printf("%-20s ✓ set\n", name)
			}
		}
		return nil
	},
}

var secretsSetCmd = &cobra.Command{
	Use:       "set <name> [value]",
	Short:     "Store a credential (reads the value from stdin when omitted)",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: secrets.Names(),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			fmt.Fprintf(os.Stderr, "Value for %s: ", args[0])
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read value: %w", err)
			}
			value = strings.TrimSpace(line)
		}
		if err := secrets.Set(args[0], value); err != nil {
			return err
		}
		fmt.Printf("%s stored in the keyring\n", args[0])
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s removed\n", args[0])
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
}
