package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/KafClaw/salesclaw/internal/agent"
	"github.com/KafClaw/salesclaw/internal/aggregator"
	"github.com/KafClaw/salesclaw/internal/bus"
	"github.com/KafClaw/salesclaw/internal/catalog"
	"github.com/KafClaw/salesclaw/internal/channels"
	"github.com/KafClaw/salesclaw/internal/config"
	"github.com/KafClaw/salesclaw/internal/dispatch"
	"github.com/KafClaw/salesclaw/internal/events"
	"github.com/KafClaw/salesclaw/internal/metrics"
	"github.com/KafClaw/salesclaw/internal/policy"
	"github.com/KafClaw/salesclaw/internal/provider"
	"github.com/KafClaw/salesclaw/internal/session"
	"github.com/KafClaw/salesclaw/internal/shipping"
	"github.com/KafClaw/salesclaw/internal/timeline"
	"github.com/KafClaw/salesclaw/internal/tools"
)

// app is the wired runtime shared by gateway and ask.
type app struct {
	cfg        *config.Config
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	timeline   *timeline.TimelineService
	bus        *bus.MessageBus
	buffer     *aggregator.Buffer
	dispatcher *dispatch.Dispatcher
	service    *agent.Service
	whatsapp   *channels.WhatsAppChannel
	publisher  *events.KafkaPublisher
}

// buildApp wires every component from cfg. ctx is handed to flush handlers,
// so it should outlive the intake loop for a clean drain.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	tl, err := timeline.NewTimelineService(filepath.Join(cfg.Paths.DataDir, "timeline.db"))
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	a := &app{cfg: cfg, timeline: tl, bus: bus.NewMessageBus(256)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	sessions, err := session.NewManager(filepath.Join(cfg.Paths.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	registry, err := buildTools(cfg, tl)
	if err != nil {
		return nil, err
	}

	prov := provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name)
	orch := agent.NewOrchestrator(agent.OrchestratorOptions{
		Provider:      prov,
		Registry:      registry,
		Prompts:       agent.NewPromptBuilder(cfg.Paths.Workspace, registry),
		Spans:         tl,
		Metrics:       a.metrics,
		Model:         cfg.Model.Name,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxIterations: cfg.Model.MaxToolIterations,
	})

	var log agent.LogWriter = tl
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka enabled but no brokers configured")
		}
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ExchangeTopic, kafkaSecurity(cfg.Kafka))
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		log = events.NewMirrorLog(tl, pub)
	}

	a.dispatcher = dispatch.New(log, dispatch.Options{
		PartDelay:     cfg.Dispatch.PartDelay,
		TypingPerChar: cfg.Dispatch.TypingPerChar,
		MinTyping:     cfg.Dispatch.MinTyping,
		MaxTyping:     cfg.Dispatch.MaxTyping,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
	}, a.metrics)
	if cfg.Channels.WhatsApp.Enabled {
		a.whatsapp = channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, a.bus, tl, cfg.Paths.DataDir)
		a.dispatcher.Register(channels.WhatsAppName, a.whatsapp)
	}

	a.buffer = aggregator.New(aggregator.Config{
		QuietPeriod:  cfg.Buffer.QuietPeriod,
		MaxFragments: cfg.Buffer.MaxFragments,
		MaxAge:       cfg.Buffer.MaxAge,
	},
		aggregator.WithContext(ctx),
		aggregator.WithMetrics(a.metrics),
		aggregator.WithErrorHook(func(key string, err error) {
			slog.Error("Burst handling failed", "entity", key, "error", err)
		}),
	)

	a.service = agent.NewService(agent.ServiceOptions{
		Orchestrator:      orch,
		Buffer:            a.buffer,
		Policies:          buildPolicies(cfg),
		Entities:          tl,
		Log:               log,
		Dispatcher:        a.dispatcher,
		Sessions:          sessions,
		RunTimeout:        cfg.Model.RunTimeout,
		FailureReply:      cfg.Agent.FailureReply,
		RetryOnModelError: cfg.Agent.RetryOnModelError,
	})
	ok = true
	return a, nil
}

func buildTools(cfg *config.Config, tl *timeline.TimelineService) (*tools.Registry, error) {
	catPath := strings.TrimSpace(cfg.Tools.Catalog.Path)
	if catPath == "" {
		catPath = filepath.Join(cfg.Paths.Workspace, "catalog.yaml")
	}
	cat, err := catalog.Load(catPath)
	if err != nil {
		return nil, err
	}

	var quoter shipping.Quoter = shipping.TableQuoter{Currency: cfg.Tools.Catalog.Currency}
	if base := strings.TrimSpace(cfg.Tools.Shipping.APIBase); base != "" {
		quoter = shipping.Fallback{
			Primary:   shipping.NewHTTPQuoter(base, cfg.Tools.Shipping.APIKey, cfg.Tools.Shipping.Timeout),
			Secondary: quoter,
		}
	}

	var notifier tools.HandoffNotifier
	if cfg.Handoff.Slack.Enabled {
		slack, err := channels.NewSlackNotifier(cfg.Handoff.Slack)
		if err != nil {
			return nil, err
		}
		notifier = slack
	}

	registry := tools.NewRegistry().MustRegister(
		tools.NewPriceTool(cat),
		tools.NewShippingQuoteTool(quoter, cfg.Tools.Shipping.OriginPostal),
		tools.NewOrderLookupTool(tl),
		tools.NewUpdateContactTool(tl),
		tools.NewHandoffTool(tl, tl, notifier),
		tools.NewFollowupTool(tl),
	)
	return registry, nil
}

func kafkaSecurity(k config.KafkaConfig) events.Security {
	return events.Security{
		Mechanism: k.SASLMechanism,
		Username:  k.Username,
		Password:  k.Password,
		TLS:       k.TLS,
		CAFile:    k.CAFile,
	}
}

func buildPolicies(cfg *config.Config) *policy.Set {
	wa := policy.WhatsApp()
	if cfg.Channels.WhatsApp.MaxLength > 0 {
		wa.MaxLength = cfg.Channels.WhatsApp.MaxLength
	}
	if cfg.Agent.MaxHistory > 0 {
		wa.MaxHistory = cfg.Agent.MaxHistory
	}
	ps := policy.Presale()
	if cfg.Channels.Presale.MaxLength > 0 {
		ps.MaxLength = cfg.Channels.Presale.MaxLength
	}
	return policy.NewSet(wa, ps)
}

func (a *app) close() {
	if a.whatsapp != nil {
		if err := a.whatsapp.Stop(); err != nil {
			slog.Warn("WhatsApp stop failed", "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			slog.Warn("Kafka publisher close failed", "error", err)
		}
	}
	if a.timeline != nil {
		a.timeline.Close()
	}
}
