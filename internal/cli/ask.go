package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/salesclaw/internal/agent"
	"github.com/KafClaw/salesclaw/internal/channels"
)

var askBuyer string
var askItem string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one pre-sale question and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askBuyer, "buyer", "cli", "Buyer ID used as the conversation key")
	askCmd.Flags().StringVar(&askItem, "item", "", "Listing ID the question was asked on")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := buildApp(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	text := strings.Join(args, " ")
	if askItem != "" {
		text = fmt.Sprintf("(Pergunta no anúncio %s)\n%s", askItem, text)
	}
	ans, err := a.service.Answer(ctx, agent.SyncRequest{
		Channel:   channels.PresaleName,
		EntityKey: channels.PresaleName + ":" + askBuyer,
		Text:      text,
	})
	if err != nil {
		return err
	}
	fmt.Println(ans.Text)
	if len(ans.ToolsUsed) > 0 {
		fmt.Printf("\n(tools: %s | tokens: %d in, %d out)\n", strings.Join(ans.ToolsUsed, ", "),
			ans.Usage.PromptTokens, ans.Usage.CompletionTokens)
	}
	if ans.Exhausted {
		fmt.Println("(warning: tool iteration limit reached)")
	}
	return nil
}
