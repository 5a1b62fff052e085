package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/salesclaw/internal/config"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

// SlackNotifier posts human-handoff alerts to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates the notifier from the handoff config.
func NewSlackNotifier(cfg config.SlackConfig) (*SlackNotifier, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("slack notifier: missing token")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("slack notifier: missing channel")
	}
	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	api := slack.New(token,
		slack.OptionHTTPClient(&http.Client{Timeout: 15 * time.Second}),
		slack.OptionAPIURL(base),
	)
	return &SlackNotifier{api: api, channel: strings.TrimSpace(cfg.Channel)}, nil
}

// NotifyHandoff posts one message per handoff. c may be nil when the
// contact could not be loaded.
func (n *SlackNotifier) NotifyHandoff(ctx context.Context, h *timeline.Handoff, c *timeline.Contact) error {
	who := h.EntityKey
	if c != nil && c.Name != "" {
		who = fmt.Sprintf("%s (%s)", c.Name, h.EntityKey)
	}
	summary := fmt.Sprintf(":raising_hand: Atendimento humano solicitado: %s", who)

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Canal*\n"+h.Channel, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Handoff*\n`"+h.HandoffID+"`", false, false),
	}
	if c != nil {
		if c.Phone != "" {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Telefone*\n"+c.Phone, false, false))
		}
		if c.City != "" {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Cidade*\n"+c.City, false, false))
		}
	}
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, summary, false, false), nil, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*Motivo:* "+h.Reason, false, false), fields, nil),
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(summary+"\nMotivo: "+h.Reason, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("slack notify handoff %s: %w", h.HandoffID, err)
	}
	return nil
}
