package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/salesclaw/internal/aggregator"
	"github.com/KafClaw/salesclaw/internal/channels"
	"github.com/KafClaw/salesclaw/internal/config"
	"github.com/KafClaw/salesclaw/internal/events"
	"github.com/KafClaw/salesclaw/internal/scheduler"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the sales agent (WhatsApp, pre-sale endpoint, follow-ups)",
	RunE:  runGateway,
}

const (
	shutdownTimeout = 30 * time.Second
	handlerGrace    = 15 * time.Second
	// authReload is how often the gateway picks up "salesclaw allow|deny".
	authReload = 30 * time.Second
)

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printHeader("🚀 SalesClaw Gateway")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Flush handlers get a context that survives the signal so the drain
	// can still answer and deliver. It is cancelled only when the drain
	// runs out of time.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	a, err := buildApp(handlerCtx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if a.whatsapp != nil {
		if err := a.whatsapp.Start(ctx); err != nil {
			return err
		}
		fmt.Println("WhatsApp: ✓ started")
	}

	var worker *scheduler.Worker
	if cfg.Followups.Enabled {
		if worker, err = newFollowupWorker(cfg, a); err != nil {
			return err
		}
	}

	var consumer *events.KafkaConsumer
	if cfg.Kafka.Enabled {
		consumer, err = events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.IntakeTopic, kafkaSecurity(cfg.Kafka))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.service.Run(gctx, a.bus); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           gatewayMux(cfg, a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.whatsapp != nil {
		g.Go(func() error {
			a.whatsapp.WatchAuth(gctx, authReload)
			return nil
		})
	}

	if worker != nil {
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		fmt.Println("Follow-ups: ✓ enabled")
	}

	if consumer != nil {
		intake := events.NewIntakeConsumer(consumer, a.bus)
		g.Go(func() error {
			defer consumer.Close()
			return intake.Run(gctx)
		})
		fmt.Println("Kafka intake: ✓", cfg.Kafka.IntakeTopic)
	}

	fmt.Printf("Listening on %s\n", srv.Addr)
	err = g.Wait()

	slog.Info("Shutting down, flushing pending bursts", "pending", a.buffer.Pending())
	drainBuffer(a.buffer, cancelHandlers, shutdownTimeout, handlerGrace)
	return err
}

// drainBuffer flushes pending bursts and waits for every handler. After
// timeout the rest is discarded and running handlers are cancelled; it then
// waits up to grace more so their records land before the stores close. It
// reports whether every handler finished.
func drainBuffer(buf *aggregator.Buffer, cancelHandlers context.CancelFunc, timeout, grace time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		buf.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		return true
	case <-time.After(timeout):
	}

	slog.Warn("Drain timed out, cancelling running handlers")
	buf.Stop()
	cancelHandlers()
	select {
	case <-drained:
		return true
	case <-time.After(grace):
		slog.Error("Flush handlers still running at shutdown", "grace", grace)
		return false
	}
}

func newFollowupWorker(cfg *config.Config, a *app) (*scheduler.Worker, error) {
	var window *scheduler.Window
	if cfg.Followups.SendWindow != "" {
		loc := time.UTC
		if cfg.Followups.TimeZone != "" {
			l, err := time.LoadLocation(cfg.Followups.TimeZone)
			if err != nil {
				return nil, fmt.Errorf("followups time zone: %w", err)
			}
			loc = l
		}
		w, err := scheduler.ParseWindow(cfg.Followups.SendWindow, loc)
		if err != nil {
			return nil, err
		}
		window = w
	}
	return scheduler.New(scheduler.Config{
		TickInterval:  cfg.Followups.TickInterval,
		MaxConcurrent: cfg.Followups.MaxConcurrent,
		BatchSize:     cfg.Followups.BatchSize,
		MaxAttempts:   cfg.Followups.MaxAttempts,
		Window:        window,
		LockPath:      filepath.Join(cfg.Paths.DataDir, "followups.lock"),
	}, a.timeline, a.service, a.metrics)
}

func gatewayMux(cfg *config.Config, a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  version,
			"pending":  a.buffer.Pending(),
			"inbound":  a.bus.InboundSize(),
			"silent":   a.timeline.IsSilentMode(),
			"whatsapp": a.whatsapp != nil,
		})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	if cfg.Channels.Presale.Enabled {
		mux.Handle(cfg.Channels.Presale.Path, channels.NewPresaleHandler(a.service, cfg.Gateway.AuthToken))
	}
	return mux
}
