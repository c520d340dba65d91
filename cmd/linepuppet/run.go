package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/linepuppet/pkg/connector"
	"github.com/lrhodin/linepuppet/pkg/dom"
	"github.com/lrhodin/linepuppet/pkg/rpc"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Attach to the LINE extension and serve the bridge",
	Before: prepareApp,
	Action: cmdRun,
}

func setupLogger(cfg *connector.LoggingConfig) zerolog.Logger {
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	} else {
		log = zerolog.New(os.Stderr)
	}
	log = log.Level(cfg.Level()).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	return log
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := setupLogger(&cfg.Logging)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting linepuppet")

	runCtx, stop := signal.NotifyContext(log.WithContext(ctx.Context), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := connector.OpenStore(runCtx, cfg.Database.URI)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	var upstream *dom.Upstream
	if cfg.Puppeteer.DevTools.URL != "" {
		upstream = dom.NewStaticUpstream(cfg.Puppeteer.DevTools.URL)
	} else {
		upstream = dom.NewUpstream(cfg.Puppeteer.DevTools.ActivePortFile, log)
	}
	cdp := dom.NewCDP(upstream, log)

	var metrics *connector.Metrics
	if cfg.Metrics.Enabled {
		metrics = connector.NewMetrics(prometheus.DefaultRegisterer)
	}

	server := rpc.NewServer(log)
	manager := connector.NewManager(connector.ManagerParams{
		Observer:  cdp,
		Sink:      connector.NewBridgeSink(server),
		Directory: &connector.PageDirectory{Page: cdp},
		Store:     store,
		Sync:      cfg.Sync,
		Selector:  cfg.Puppeteer.DevTools.TimelineSelector,
		Dates:     &connector.DateParser{Location: time.Local},
		Metrics:   metrics,
		Log:       log,
	})
	defer manager.Close()
	watermarks, err := store.MessageWatermarks(runCtx)
	if err != nil {
		return fmt.Errorf("failed to load message watermarks: %w", err)
	}
	manager.SetLastMessageIDs(watermarks)
	cdp.OnAttached = func() {
		manager.Reattach(runCtx)
	}
	(&connector.Commands{Server: server, Manager: manager, Images: cdp}).Register()

	network, address := cfg.Puppeteer.Connection.Network()
	if network == "unix" {
		// A stale socket from an unclean exit would make Listen fail.
		_ = os.Remove(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	log.Info().Str("network", network).Str("address", address).Msg("Listening for bridge connections")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		return upstream.Run(gctx)
	})
	g.Go(func() error {
		return cdp.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen, log)
		})
	}
	err = g.Wait()
	log.Info().Msg("Shutting down")
	return err
}

func serveMetrics(ctx context.Context, listen string, log zerolog.Logger) error {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("address", listen).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
