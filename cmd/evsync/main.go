package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/coordinator"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/metrics"
	"github.com/raterudder/evsync/pkg/publish"
	"github.com/raterudder/evsync/pkg/server"
	"github.com/raterudder/evsync/pkg/storage"
)

func main() {
	// init packages
	s := storage.Configured()
	clients := cloud.Configured()
	pub := publish.Configured()
	m := metrics.New()
	creds := server.ConfiguredCredentials(s)
	coord := coordinator.New(clients, s, creds, m, pub)

	// init server
	srv := server.Configured(coord, s, creds, m)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer pub.Close()

	if err := addSites(ctx, coord, s, creds); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load sites", slog.Any("error", err))
		os.Exit(1)
	}

	if pub.Enabled() {
		if err := pub.SubscribeCommands(ctx, coord); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe to commands", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Run will block until context is canceled or error happens
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// addSites registers the sites given by flag and every site in storage.
func addSites(ctx context.Context, coord *coordinator.Coordinator, db storage.Database, creds *server.CredentialStore) error {
	ids := creds.SiteIDs()
	sites, err := db.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sites: %w", err)
	}
	for _, site := range sites {
		ids = append(ids, site.ID)
	}
	if len(ids) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no sites configured")
	}
	for _, id := range ids {
		// AddSite ignores duplicates
		if err := coord.AddSite(ctx, id); err != nil {
			return fmt.Errorf("failed to add site %s: %w", id, err)
		}
	}
	return nil
}
