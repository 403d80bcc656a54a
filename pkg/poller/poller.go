package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridhelm/gridhelm/pkg/enphase"
	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/storage"
	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// tick is how often the loop wakes up to check which sites are due. The
// per-site cadence comes from the poll-interval flag or the site settings.
const tick = 30 * time.Second

// Poller periodically fetches the merged battery snapshot for every
// registered site and caches the latest result. The API and the timed
// controller read the cache instead of hitting the vendor cloud on every
// request.
type Poller struct {
	enphase *enphase.Map
	storage storage.Database

	interval time.Duration

	// now is swapped out by tests
	now func() time.Time

	mu         sync.Mutex
	latest     map[string]types.Snapshot
	lastPolled map[string]time.Time
}

// Configured initializes the Poller with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(e *enphase.Map, s storage.Database) *Poller {
	p := New(e, s)
	interval := lflag.Duration("poll-interval", 5*time.Minute, "Default interval between snapshot polls per site")
	lflag.Do(func() {
		p.interval = *interval
	})
	return p
}

// New creates a Poller with the default interval.
func New(e *enphase.Map, s storage.Database) *Poller {
	return &Poller{
		enphase:    e,
		storage:    s,
		interval:   5 * time.Minute,
		now:        time.Now,
		latest:     make(map[string]types.Snapshot),
		lastPolled: make(map[string]time.Time),
	}
}

// Run polls until the context is canceled. The first pass happens
// immediately so the cache is warm before the first API request.
func (p *Poller) Run(ctx context.Context) error {
	p.pollDue(ctx)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.pollDue(ctx)
		}
	}
}

// Latest returns the most recent snapshot for the site, if any. The snapshot
// carries its own fetch timestamp so callers can judge staleness.
func (p *Poller) Latest(siteID string) (types.Snapshot, bool) {
	if siteID == "" {
		siteID = types.SiteIDNone
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.latest[siteID]
	return snap, ok
}

// Invalidate forces the next loop pass to re-poll the site. Called after a
// mutating operation so the cache catches up quickly.
func (p *Poller) Invalidate(siteID string) {
	if siteID == "" {
		siteID = types.SiteIDNone
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastPolled, siteID)
}

// Store stores a snapshot fetched elsewhere, keeping the cache fresh without
// an extra vendor round trip.
func (p *Poller) Store(siteID string, snap types.Snapshot) {
	if siteID == "" {
		siteID = types.SiteIDNone
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[siteID] = snap
	p.lastPolled[siteID] = p.now()
}

// pollDue fetches a fresh snapshot for every site whose interval elapsed.
func (p *Poller) pollDue(ctx context.Context) {
	now := p.now()
	for _, siteID := range p.enphase.Sites() {
		p.mu.Lock()
		last := p.lastPolled[siteID]
		p.mu.Unlock()

		settings, version, err := p.storage.GetSettings(ctx, siteID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to load settings for poll",
				slog.String("siteID", siteID), slog.Any("error", err))
			continue
		}
		settings, _, err = types.MigrateSettings(settings, version)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to migrate settings for poll",
				slog.String("siteID", siteID), slog.Any("error", err))
			continue
		}
		if settings.Pause {
			continue
		}

		interval := p.interval
		if settings.PollIntervalMinutes > 0 {
			interval = time.Duration(settings.PollIntervalMinutes) * time.Minute
		}
		if !last.IsZero() && now.Sub(last) < interval {
			continue
		}

		p.pollSite(ctx, siteID, settings)
	}
}

func (p *Poller) pollSite(ctx context.Context, siteID string, settings types.Settings) {
	svc, err := p.enphase.Site(ctx, siteID, settings)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get service for poll",
			slog.String("siteID", siteID), slog.Any("error", err))
		return
	}

	snap, err := svc.FetchSnapshot(ctx)

	// a failed poll still counts against the interval so a broken site does
	// not hammer the vendor every tick
	p.mu.Lock()
	p.lastPolled[siteID] = p.now()
	if err == nil {
		p.latest[siteID] = snap
	}
	p.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "snapshot poll failed",
			slog.String("siteID", siteID), slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "snapshot polled",
		slog.String("siteID", siteID),
		slog.Bool("cfg", snap.CFG.Enabled),
		slog.Bool("dtg", snap.DTG.Enabled),
		slog.Bool("rbd", snap.RBD.Enabled),
	)
}
