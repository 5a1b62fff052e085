package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/salesclaw/internal/bus"
	"github.com/KafClaw/salesclaw/internal/config"
	"github.com/KafClaw/salesclaw/internal/dispatch"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

// WhatsAppName is the channel name used in entity keys and policies.
const WhatsAppName = "whatsapp"

// Settings keys shared with the CLI.
const (
	SettingSilentMode = "silent_mode"
	SettingAllowlist  = "whatsapp_allowlist"
	SettingDenylist   = "whatsapp_denylist"
)

// waClient is the part of *whatsmeow.Client the channel sends with.
type waClient interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
}

// WhatsAppChannel is the WhatsApp transport: inbound text messages go onto
// the bus as fragments, and it implements dispatch.Transport for answers.
type WhatsAppChannel struct {
	cfg     config.WhatsAppConfig
	bus     *bus.MessageBus
	store   SettingsStore
	dataDir string

	client    *whatsmeow.Client
	sender    waClient
	container *sqlstore.Container

	mu        sync.RWMutex
	allowlist map[string]bool
	denylist  map[string]bool
}

// NewWhatsAppChannel creates the channel. The device database and pairing
// QR image live in dataDir.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, b *bus.MessageBus, store SettingsStore, dataDir string) *WhatsAppChannel {
	c := &WhatsAppChannel{cfg: cfg, bus: b, store: store, dataDir: dataDir}
	c.ReloadAuth()
	return c
}

func (c *WhatsAppChannel) Name() string { return WhatsAppName }

// Start opens the device store, pairs with a QR code when there is no
// session yet and connects. It returns once the client is connected or
// the QR code has been written.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.dataDir, 0o700); err != nil {
		return fmt.Errorf("whatsapp: data dir: %w", err)
	}
	dbPath := filepath.Join(c.dataDir, "whatsapp.db")
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		newWALogger("whatsapp.store"))
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	c.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}
	client := whatsmeow.NewClient(device, newWALogger("whatsapp.client"))
	client.AddEventHandler(c.eventHandler)
	c.client = client
	c.sender = client

	if c.cfg.StartSilent && c.store != nil {
		if err := c.store.SetSetting(SettingSilentMode, "true"); err != nil {
			slog.Warn("Failed to enable silent mode", "error", err)
		} else {
			slog.Info("WhatsApp silent mode enabled at startup")
		}
	}

	if client.Store.ID != nil {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		slog.Info("WhatsApp connected", "jid", client.Store.ID.String())
		return nil
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	go c.pair(ctx, qrChan)
	return nil
}

func (c *WhatsAppChannel) pair(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	qrPath := filepath.Join(c.dataDir, "whatsapp-qr.png")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			if evt.Event != "code" {
				slog.Info("WhatsApp pairing event", "event", evt.Event)
				continue
			}
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err != nil {
				slog.Error("Failed to write pairing QR code", "error", err)
				continue
			}
			slog.Info("WhatsApp pairing QR code written, scan it with the phone", "path", qrPath)
		}
	}
}

// Stop disconnects and closes the device store.
func (c *WhatsAppChannel) Stop() error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// Send delivers one text part. In silent mode nothing is sent and
// dispatch.ErrSuppressed is returned.
func (c *WhatsAppChannel) Send(ctx context.Context, recipient, text string) error {
	if c.silent() {
		slog.Info("Silent mode: outbound suppressed", "to", recipient, "chars", len(text))
		return dispatch.ErrSuppressed
	}
	if c.sender == nil {
		return errors.New("whatsapp: client not started")
	}
	jid, err := parseRecipient(recipient)
	if err != nil {
		return err
	}
	resp, err := c.sender.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	slog.Debug("WhatsApp message sent", "to", jid.String(), "id", resp.ID)
	return nil
}

// SetPresence shows "typing..." in the chat. WhatsApp clears it by itself
// when the message arrives, so the hint is not needed.
func (c *WhatsAppChannel) SetPresence(ctx context.Context, recipient string, _ time.Duration) error {
	if c.silent() {
		return dispatch.ErrSuppressed
	}
	if c.sender == nil {
		return errors.New("whatsapp: client not started")
	}
	jid, err := parseRecipient(recipient)
	if err != nil {
		return err
	}
	return c.sender.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (c *WhatsAppChannel) silent() bool {
	return c.store != nil && c.store.IsSilentMode()
}

func (c *WhatsAppChannel) eventHandler(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		slog.Info("WhatsApp session connected")
	case *events.Disconnected:
		slog.Warn("WhatsApp session disconnected")
	case *events.LoggedOut:
		slog.Error("WhatsApp session logged out, pairing required", "reason", v.Reason)
	}
}

func (c *WhatsAppChannel) handleMessage(v *events.Message) {
	if v.Info.IsFromMe || v.Info.IsGroup || v.Info.Chat.Server == types.BroadcastServer {
		return
	}
	var content string
	if r := v.Message.GetReactionMessage(); r != nil {
		if c.cfg.IgnoreReactions {
			return
		}
		content = reactionText(r)
	} else {
		content = messageText(v.Message)
	}
	if content == "" {
		slog.Debug("WhatsApp message without text ignored", "from", v.Info.Sender.User, "id", v.Info.ID)
		return
	}

	sender := v.Info.Sender.User
	traceID := "wa-" + v.Info.ID
	allowed := c.isAllowed(sender)
	if !allowed && c.cfg.DropUnauthorized {
		return
	}
	c.logInbound(v, traceID, content, allowed)
	if !allowed {
		slog.Info("WhatsApp sender not allowed", "from", sender)
		return
	}

	err := c.bus.TryPublishInbound(&bus.InboundMessage{
		Channel:        WhatsAppName,
		SenderID:       sender,
		SenderName:     v.Info.PushName,
		ChatID:         v.Info.Chat.String(),
		TraceID:        traceID,
		IdempotencyKey: "wa:" + v.Info.ID,
		Content:        content,
		Timestamp:      v.Info.Timestamp,
		Metadata:       map[string]any{bus.MetaKeySource: WhatsAppName},
	})
	if err != nil {
		slog.Error("WhatsApp fragment dropped", "from", sender, "id", v.Info.ID, "error", err)
	}
}

// reactionText renders a reaction as a short fragment so the agent sees
// e.g. a thumbs-up on a quote. Removing a reaction yields "".
func reactionText(r *waE2E.ReactionMessage) string {
	emoji := strings.TrimSpace(r.GetText())
	if emoji == "" {
		return ""
	}
	return "[reacted " + emoji + "]"
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.GetConversation() != "":
		return strings.TrimSpace(m.GetConversation())
	case m.GetExtendedTextMessage().GetText() != "":
		return strings.TrimSpace(m.GetExtendedTextMessage().GetText())
	case m.GetImageMessage().GetCaption() != "":
		return "[imagem] " + strings.TrimSpace(m.GetImageMessage().GetCaption())
	}
	return ""
}

func (c *WhatsAppChannel) logInbound(v *events.Message, traceID, content string, allowed bool) {
	if c.store == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"channel":    WhatsAppName,
		"chat":       v.Info.Chat.String(),
		"authorized": allowed,
	})
	err := c.store.AddEvent(&timeline.TimelineEvent{
		EventID:        "wa-in-" + v.Info.ID,
		TraceID:        traceID,
		Timestamp:      v.Info.Timestamp,
		SenderID:       v.Info.Sender.User,
		SenderName:     v.Info.PushName,
		EventType:      "TEXT",
		ContentText:    content,
		Classification: fmt.Sprintf("WHATSAPP_INBOUND authorized=%t", allowed),
		Metadata:       string(meta),
	})
	if err != nil {
		slog.Warn("Failed to log WhatsApp inbound event", "error", err)
	}
}

// ReloadAuth rereads the allow and deny lists from settings.
func (c *WhatsAppChannel) ReloadAuth() {
	allow := map[string]bool{}
	deny := map[string]bool{}
	for _, v := range c.cfg.AllowFrom {
		if v = normalizePhone(v); v != "" {
			allow[v] = true
		}
	}
	if c.store != nil {
		if raw, err := c.store.GetSetting(SettingAllowlist); err == nil {
			for _, v := range ParseList(raw) {
				allow[normalizePhone(v)] = true
			}
		}
		if raw, err := c.store.GetSetting(SettingDenylist); err == nil {
			for _, v := range ParseList(raw) {
				deny[normalizePhone(v)] = true
			}
		}
	}
	c.mu.Lock()
	c.allowlist, c.denylist = allow, deny
	c.mu.Unlock()
}

// WatchAuth reloads the allow and deny lists every interval until ctx is
// done, so list edits made from the CLI apply without a restart.
func (c *WhatsAppChannel) WatchAuth(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.ReloadAuth()
		}
	}
}

// isAllowed applies the deny list first. An empty allow list admits every
// customer; a non-empty one restricts the channel to its numbers.
func (c *WhatsAppChannel) isAllowed(sender string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.denylist[sender] {
		return false
	}
	if len(c.allowlist) == 0 {
		return true
	}
	return c.allowlist[sender]
}

// parseRecipient accepts a full JID or a bare phone number.
func parseRecipient(recipient string) (types.JID, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return types.JID{}, errors.New("whatsapp: empty recipient")
	}
	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.JID{}, fmt.Errorf("whatsapp: invalid JID %q: %w", recipient, err)
		}
		return jid, nil
	}
	phone := normalizePhone(recipient)
	if phone == "" {
		return types.JID{}, fmt.Errorf("whatsapp: invalid recipient %q", recipient)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
