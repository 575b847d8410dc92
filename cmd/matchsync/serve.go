package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-matchsync/internal/config"
	"github.com/park285/cheese-matchsync/internal/feed"
	"github.com/park285/cheese-matchsync/internal/functions"
	"github.com/park285/cheese-matchsync/internal/httpapi"
	"github.com/park285/cheese-matchsync/internal/httpx"
	"github.com/park285/cheese-matchsync/internal/matchmaking"
	"github.com/park285/cheese-matchsync/internal/msgcat"
	"github.com/park285/cheese-matchsync/internal/notify"
	"github.com/park285/cheese-matchsync/internal/observer"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/profiles"
	"github.com/park285/cheese-matchsync/internal/ratings"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/sweeper"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/internal/timers"
	"github.com/park285/cheese-matchsync/internal/wager"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the callables, the watch feed and the automatch sweeper",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(c.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.AppConfig) error {
	log := obslog.L()

	store, err := syncstore.Open(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, closeRepo, err := openProfiles(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()
	dir := profiles.NewDirectory(store, repo)

	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := rules.ChessEngine{}
	mm := matchmaking.New(store, engine.InitialFEN(),
		matchmaking.WithNotifier(notifier),
		matchmaking.WithMaxRetries(cfg.AutomatchMaxRetries),
	)
	reg := functions.NewRegistry(functions.Deps{
		Matchmaking: mm,
		Timers:      timers.New(store, dir, engine, timers.WithDuration(cfg.MatchTimerDuration)),
		Ratings:     ratings.New(store, dir, engine, ratings.WithNotifier(notifier)),
		Profiles:    dir,
		Wager:       wager.NewService(store, dir, engine, wager.WithNotifier(notifier)),
	})

	if cfg.GatewayToken == "" && cfg.Production() {
		return errors.New("GATEWAY_TOKEN is required in production")
	}
	api := httpapi.New(reg, cfg.GatewayToken)
	feedSrv := &http.Server{
		Addr:              cfg.FeedAddr,
		Handler:           feed.NewServer(store, observer.NewRegistry(promReg), promReg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sw, err := sweeper.New(mm, cfg.SweepInterval, cfg.AutomatchTicketTTL)
	if err != nil {
		return err
	}
	sw.Start()

	log.Info("matchsync_serve",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("feed_addr", cfg.FeedAddr),
		zap.Strings("callables", reg.Names()),
		zap.Bool("notify", cfg.NotifyURL != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Listen(cfg.HTTPAddr) })
	g.Go(func() error {
		if err := feedSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			api.Shutdown(sctx),
			feedSrv.Shutdown(sctx),
			sw.Shutdown(),
		)
	})
	err = g.Wait()
	log.Info("matchsync_stopped", zap.Error(err))
	if ctx.Err() != nil {
		// interrupted: listener errors after shutdown are expected
		return nil
	}
	return err
}

func openProfiles(ctx context.Context, cfg *config.AppConfig) (profiles.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		if cfg.Production() {
			return nil, nil, errors.New("DATABASE_URL is required in production")
		}
		obslog.L().Warn("profiles_memory_repository")
		return profiles.NewMemoryRepository(), func() {}, nil
	}
	pg, err := profiles.NewPGRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func newNotifier(cfg *config.AppConfig) (notify.Notifier, error) {
	if cfg.NotifyURL == "" {
		return notify.Nop{}, nil
	}
	cat, err := msgcat.New(cfg.MsgcatDir, notify.Keys()...)
	if err != nil {
		return nil, err
	}
	client := httpx.NewClient(cfg.NotifyURL, httpx.WithTimeout(5*time.Second), httpx.WithRetry(2))
	return notify.NewWebhook(client, cat, cfg.NotifyRoom), nil
}
