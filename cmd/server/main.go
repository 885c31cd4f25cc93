package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mindcraft-hub/internal/api"
	"mindcraft-hub/internal/botlink"
	"mindcraft-hub/internal/catalog"
	"mindcraft-hub/internal/config"
	"mindcraft-hub/internal/logging"
	"mindcraft-hub/internal/logstore"
	"mindcraft-hub/internal/metrics"
	"mindcraft-hub/internal/realtime"
	"mindcraft-hub/internal/shutdown"
	"mindcraft-hub/internal/supervisor"
)

// shutdownGrace is added on top of the bots' own stop and kill timeouts.
const shutdownGrace = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mindcraft-hub",
		Short:         "Supervise Mindcraft bots and stream their logs to the dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			_ = godotenv.Load()

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.WithField("component", "main")

	store := logstore.New(cfg.LogsDir, logstore.WithLogger(logger.WithField("component", "logstore")))
	if err := store.Init(); err != nil {
		return errors.Wrap(err, "init log storage")
	}

	cat := catalog.New(cfg.DataDir,
		catalog.WithLogger(logger.WithField("component", "catalog")),
		catalog.OnReload(func() { log.Debug("catalog reloaded") }),
	)
	if err := cat.Load(); err != nil {
		return errors.Wrap(err, "load catalog")
	}
	if err := cat.Watch(ctx); err != nil {
		log.WithError(err).Warn("catalog watcher disabled")
	}

	sup, err := supervisor.New(supervisor.Config{
		Command:      cfg.Bot.Command,
		Args:         cfg.Bot.Args,
		WorkDir:      cfg.Bot.WorkDir,
		ReadyPattern: cfg.Bot.ReadyPattern,
		StopTimeout:  cfg.Bot.StopTimeout,
		KillTimeout:  cfg.Bot.KillTimeout,
		LinkURL:      cfg.Bot.LinkURL,
		RuntimeDir:   cfg.Bot.RuntimeDir,
		TailSize:     cfg.Bot.TailSize,
	}, cat, store, supervisor.WithLogger(logger.WithField("component", "supervisor")))
	if err != nil {
		return errors.Wrap(err, "create supervisor")
	}

	hub := realtime.New(realtime.WithLogger(logger.WithField("component", "realtime")))
	detachHub := hub.Attach(sup)
	defer detachHub()

	m := metrics.New(sup.RunningCount)
	detachMetrics := m.Attach(sup)
	defer detachMetrics()

	links := botlink.NewRegistry()
	link := botlink.NewServer(sup, links,
		botlink.WithLogger(logger.WithField("component", "botlink")),
		botlink.OnMessage(m.LinkMessage),
	)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(api.Deps{
			Supervisor: sup,
			Logs:       store,
			Catalog:    cat,
			Realtime:   hub,
			Hub:        hub,
			BotLink:    link,
			Metrics:    m.Handler(),
			StaticDir:  cfg.Server.StaticDir,
			Logger:     logger.WithField("component", "api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "data": cfg.DataDir}).Info("mindcraft hub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("http server failed")
	}

	mgr := shutdown.NewManager(log)
	mgr.OnShutdown("http", srv.Shutdown)
	mgr.OnShutdown("realtime", func(context.Context) error {
		hub.Close()
		return nil
	})
	mgr.OnShutdown("botlink", func(context.Context) error {
		links.CloseAll()
		return nil
	})
	mgr.Then().OnShutdown("bots", func(ctx context.Context) error {
		if errs := sup.StopAll(ctx); len(errs) > 0 {
			return errors.Errorf("%d bots failed to stop: %v", len(errs), errs[0])
		}
		return nil
	})
	mgr.Then().OnShutdown("logstore", func(context.Context) error {
		return store.Close()
	})

	timeout := cfg.Bot.StopTimeout + cfg.Bot.KillTimeout + shutdownGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := mgr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return serveErr
}
