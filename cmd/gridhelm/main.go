package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridhelm/gridhelm/pkg/enphase"
	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/poller"
	"github.com/gridhelm/gridhelm/pkg/server"
	"github.com/gridhelm/gridhelm/pkg/storage"
	"github.com/gridhelm/gridhelm/pkg/timed"
	"github.com/gridhelm/gridhelm/pkg/types"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	e := enphase.Configured(s)
	t := timed.Configured(s)
	p := poller.Configured(e, s)

	// init server
	srv := server.Configured(e, t, p, s)

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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// a previous run may have left timed activations behind whose timers died
	// with the process
	recoverTimedModes(ctx, s, e, t)

	// keep the snapshot cache warm in the background
	go func() {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).ErrorContext(ctx, "poller failed", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// recoverTimedModes cleans up orphaned timed activations for every site with
// stored state. The vendor calls rely on the persisted session cache and are
// best-effort; the stored records are cleared either way so a dead session
// cannot wedge recovery forever.
func recoverTimedModes(ctx context.Context, s storage.Database, e *enphase.Map, t *timed.Map) {
	sites, err := s.ListSites(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to list sites for timed recovery", "error", err)
		return
	}
	if len(sites) == 0 {
		sites = []string{types.SiteIDNone}
	}
	for _, siteID := range sites {
		recoverSiteTimedModes(ctx, s, e, t, siteID)
	}
}

func recoverSiteTimedModes(ctx context.Context, s storage.Database, e *enphase.Map, t *timed.Map, siteID string) {
	records, err := s.GetTimedActivations(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to check for timed activations", "siteID", siteID, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	settings, version, err := s.GetSettings(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load settings for timed recovery", "siteID", siteID, "error", err)
		return
	}
	if settings, _, err = types.MigrateSettings(settings, version); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to migrate settings for timed recovery", "siteID", siteID, "error", err)
		return
	}

	svc, err := e.Site(ctx, siteID, settings)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get vendor service for timed recovery", "siteID", siteID, "error", err)
		return
	}

	if err := t.Site(siteID, svc, settings).RecoverOnStartup(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "timed mode recovery failed", "siteID", siteID, "error", err)
	}
}
