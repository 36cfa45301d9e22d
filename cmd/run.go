package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EthanZane/insightpioneer-backend/internal/metrics"
	"github.com/EthanZane/insightpioneer-backend/internal/notify"
	"github.com/EthanZane/insightpioneer-backend/internal/reconcile"
	"github.com/EthanZane/insightpioneer-backend/internal/server"
	"github.com/EthanZane/insightpioneer-backend/internal/session"
	"github.com/EthanZane/insightpioneer-backend/internal/store"
	"github.com/EthanZane/insightpioneer-backend/pkg/config"
)

// newRunCmd builds the 'run' subcommand: crawl every enabled site, or one
// site when --site is given.
func newRunCmd() *cobra.Command {
	var (
		siteID     int64
		skipTitle  bool
		skipNotify bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run crawl sessions for monitored sites",
		Long: `Runs one crawl session per enabled monitored site, reconciles the
discovered pages against the known set, and announces new pages. With
--site only that one site is crawled, enabled or not.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessions(cmd.Context(), siteID, session.RunOptions{
				SkipTitle:  skipTitle,
				SkipNotify: skipNotify,
			})
		},
	}
	cmd.Flags().Int64Var(&siteID, "site", 0, "crawl only this site id")
	cmd.Flags().BoolVar(&skipTitle, "skip-title", false, "skip title fetches for sitemap sites")
	cmd.Flags().BoolVar(&skipNotify, "skip-notify", false, "suppress notifications for this run")
	return cmd
}

func runSessions(parent context.Context, siteID int64, opts session.RunOptions) error {
	logger, settings, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, store.PostgresConfig{
		DSN:      settings.DatabaseDSN,
		MaxConns: settings.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	notifier, cleanup, err := buildNotifier(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	m := metrics.New()
	if settings.MetricsAddr != "" {
		ops := server.New(settings.MetricsAddr, m, logger)
		ops.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ops.Shutdown(shutdownCtx)
		}()
	}

	runner := session.NewRunner(st, notifier, m, session.Defaults{
		UserAgent:       settings.UserAgent,
		PolitenessDelay: settings.PolitenessDelay,
		RequestTimeout:  settings.RequestTimeout,
		Retries:         settings.Retries,
		Concurrency:     settings.Concurrency,
		PoolSize:        settings.PoolSize,
		Budget:          settings.Budget,
		MaxBodyBytes:    settings.MaxBodyBytes,
		MaxInFlight:     settings.MaxInFlight,
		DropParams:      settings.DropParams,
	}, logger)

	var outcomes []session.Outcome
	if siteID > 0 {
		cfg, err := st.GetSite(ctx, siteID)
		if err != nil {
			return fmt.Errorf("load site %d: %w", siteID, err)
		}
		outcomes = append(outcomes, runner.RunSite(ctx, cfg, opts))
	} else {
		outcomes, err = runner.RunAll(ctx, opts)
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, out := range outcomes {
		if out.Status == reconcile.StatusFailed {
			failed++
		}
	}
	logger.Info("run finished",
		zap.Int("sites", len(outcomes)),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d sites failed", failed, len(outcomes))
	}
	return nil
}

// buildNotifier assembles the configured notification fan-out. With
// nothing configured the engine runs silently.
func buildNotifier(ctx context.Context, settings config.Settings, logger *zap.Logger) (notify.Notifier, func(), error) {
	var (
		sinks   notify.Multi
		cleanup = func() {}
	)
	if settings.FeishuWebhookURL != "" && settings.FeishuSecret != "" {
		sinks = append(sinks, notify.NewFeishu(settings.FeishuWebhookURL, settings.FeishuSecret, logger))
	}
	if settings.PubSubProjectID != "" && settings.PubSubTopicID != "" {
		ps, err := notify.NewPubSub(ctx, settings.PubSubProjectID, settings.PubSubTopicID, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("init pubsub notifier: %w", err)
		}
		sinks = append(sinks, ps)
		cleanup = func() {
			if err := ps.Close(); err != nil {
				logger.Warn("close pubsub notifier", zap.Error(err))
			}
		}
	}
	if len(sinks) == 0 {
		return nil, cleanup, nil
	}
	return sinks, cleanup, nil
}
