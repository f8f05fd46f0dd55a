package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KafClaw/autoflow/internal/config"
	"github.com/KafClaw/autoflow/internal/ingest"
	"github.com/KafClaw/autoflow/internal/metrics"
	"github.com/KafClaw/autoflow/internal/notify"
	"github.com/spf13/cobra"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, scheduler and event sources",
	RunE:  runServe,
}

var serveSignalNotify = signal.NotifyContext

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader(cmd.OutOrStdout(), "🚀 autoflow serve")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var slackSink *notify.SlackNotifier
	if cfg.Slack.Enabled {
		if slackSink, err = notify.NewSlackNotifier(cfg.Slack); err != nil {
			return err
		}
	}

	ctx, stop := serveSignalNotify(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.bus.Subscribe(notify.LogSubscriber)
	if slackSink != nil {
		rt.bus.Subscribe(notify.Subscriber(ctx, slackSink))
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}
	go func() { _ = rt.bus.DispatchOutbound(ctx) }()

	if err := reconcileDurableRuntimeState(ctx, rt.tl); err != nil {
		slog.Warn("Runtime reconciliation failed", "error", err)
	}
	if resumed, err := rt.approvals.ResumeResponded(ctx); err != nil {
		slog.Warn("Resuming answered requests failed", "error", err)
	} else if resumed > 0 {
		slog.Info("Resuming answered requests", "count", resumed)
	}
	if _, err := rt.refresh(ctx); err != nil {
		return fmt.Errorf("initial job sync: %w", err)
	}

	if cfg.Scheduler.Enabled {
		rt.scheduler.Start(ctx)
		defer rt.scheduler.Stop()
	}

	if cfg.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Kafka)
		defer consumer.Close()
		ingester := ingest.NewIngester(consumer, rt.tl, rt.bus)
		go func() {
			if err := ingester.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Kafka ingest stopped", "error", err)
			}
		}()
		slog.Info("Kafka ingest enabled", "brokers", cfg.Kafka.Brokers, "topics", cfg.Kafka.Topics)
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		slog.Info("Metrics listening", "addr", cfg.Metrics.Addr)
	}

	go refreshLoop(ctx, rt, cfg.Dispatcher.RefreshInterval)

	fmt.Fprintln(cmd.OutOrStdout(), "autoflow is running. Press Ctrl+C to stop.")
	err = rt.dispatcher.Run(ctx, rt.bus)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Shutting down", "inflight", rt.pool.Active())
	drainPool(rt, shutdownGrace)
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// refreshLoop reloads definitions and resyncs cron jobs so definitions
// written by other processes are picked up.
func refreshLoop(ctx context.Context, rt *runtime, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.refresh(ctx); err != nil {
				slog.Warn("Definition refresh failed", "error", err)
			}
		}
	}
}

// drainPool gives in-flight runs grace to finish, then cancels them.
func drainPool(rt *runtime, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		rt.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Cancelling in-flight runs", "inflight", rt.pool.Active())
		rt.pool.Shutdown()
	}
}
