package policy

import (
	"fmt"

	"github.com/KafClaw/salesclaw/internal/tools"
)

// Channel names.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelPresale  = "presale"
)

// Set holds the policies by channel name. It is built once at startup.
type Set struct {
	byChannel map[string]Policy
}

// NewSet creates a set from the given policies.
func NewSet(policies ...Policy) *Set {
	s := &Set{byChannel: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		s.byChannel[p.Channel] = p
	}
	return s
}

// Get returns the policy for a channel.
func (s *Set) Get(channel string) (Policy, error) {
	p, ok := s.byChannel[channel]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for channel %q", channel)
	}
	return p, nil
}

// Put replaces a channel's policy.
func (s *Set) Put(p Policy) {
	s.byChannel[p.Channel] = p
}

// WhatsApp is the chat policy: paced multi-part replies, every tool, history.
func WhatsApp() Policy {
	return Policy{
		Channel:       ChannelWhatsApp,
		Mode:          ModeDispatch,
		MaxLength:     1000,
		MultiPart:     true,
		MaxTier:       tools.TierWrite,
		RetainHistory: true,
		MaxHistory:    20,
		Tone:          "You are chatting on WhatsApp. Write short, warm messages in Brazilian Portuguese, like a human seller would. Light emoji are fine. Ask one question at a time.",
	}
}

// Presale is the marketplace question policy: one synchronous plain-text
// answer, read-only tools, no contact details.
func Presale() Policy {
	return Policy{
		Channel:      ChannelPresale,
		Mode:         ModeSync,
		MaxLength:    2000,
		AllowedTools: []string{"get_price", "quote_shipping"},
		MaxTier:      tools.TierReadOnly,
		StripEmoji:   true,
		StripMarkup:  true,
		StripLinks:   true,
		StripPhones:  true,
		Tone:         "You are answering a public pre-sale question on a marketplace listing. Reply in one plain-text paragraph in Brazilian Portuguese. Never share links, phone numbers, e-mail addresses or ask the buyer to contact you outside the marketplace.",
	}
}

// Defaults returns the built-in policies.
func Defaults() *Set {
	return NewSet(WhatsApp(), Presale())
}
