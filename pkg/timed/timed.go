package timed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/types"
)

// Store is the slice of the database the controller needs: the durable
// activation records that make restart recovery possible, plus the action
// audit log.
type Store interface {
	GetTimedActivations(ctx context.Context, siteID string) (map[string]types.TimedActivation, error)
	SetTimedActivations(ctx context.Context, siteID string, activations map[string]types.TimedActivation) error
	ClearTimedActivations(ctx context.Context, siteID string) error
	InsertAction(ctx context.Context, siteID string, action types.Action) error
}

// Client is the slice of the vendor service the controller drives. Enabling
// is a bare mode toggle; DeleteSchedule only runs during cleanup of records
// that carry a temporary schedule id.
type Client interface {
	FetchSnapshot(ctx context.Context) (types.Snapshot, error)
	SetMode(ctx context.Context, mode types.Mode, enabled bool, window *types.Window) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
}

// Configured sets up the timed mode controller Map.
func Configured(store Store) *Map {
	return NewMap(store)
}

// Map manages the per-site timed mode controllers.
type Map struct {
	mu          sync.Mutex
	store       Store
	controllers map[string]*Controller
}

// NewMap creates a new controller Map.
func NewMap(store Store) *Map {
	return &Map{
		store:       store,
		controllers: make(map[string]*Controller),
	}
}

// Site returns the controller for the given siteID, creating it on first use.
func (m *Map) Site(siteID string, client Client, settings types.Settings) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}

	if c, ok := m.controllers[siteID]; ok {
		c.ApplySettings(settings)
		return c
	}

	c := NewController(siteID, m.store, client)
	c.ApplySettings(settings)
	m.controllers[siteID] = c
	return c
}

// Controller runs the timed activations for one site: enabling a mode for a
// fixed duration and cleaning up when the duration expires, the activation is
// superseded, or the process restarts.
type Controller struct {
	siteID string
	store  Store
	client Client

	// now is swapped out by tests
	now func() time.Time

	mu       sync.Mutex
	settings types.Settings
	active   map[types.Mode]*activation
}

// activation pairs the durable record with the in-process expiry timer. The
// timer handle is what lets a superseding Enable or an explicit Cancel stop
// the pending cleanup.
type activation struct {
	record types.TimedActivation
	timer  *time.Timer
}

// NewController creates a controller for one site.
func NewController(siteID string, store Store, client Client) *Controller {
	return &Controller{
		siteID: siteID,
		store:  store,
		client: client,
		now:    time.Now,
		active: make(map[types.Mode]*activation),
	}
}

// ApplySettings updates the controller with the current site settings.
func (c *Controller) ApplySettings(settings types.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
}

func (c *Controller) location() *time.Location {
	if c.settings.Timezone != "" {
		if loc, err := time.LoadLocation(c.settings.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Enable turns on mode for the given number of minutes, then automatically
// reverts it. The toggle is bare: no temporary schedule is created, the
// record carries no schedule id, and only dtg gets an explicit window on the
// toggle itself. Any activation already running for the same mode is
// cancelled first, so the new duration supersedes rather than stacks.
func (c *Controller) Enable(ctx context.Context, mode types.Mode, minutes int) (types.ActiveTimedMode, error) {
	if !mode.Valid() {
		return types.ActiveTimedMode{}, fmt.Errorf("invalid mode: %q", mode)
	}
	if minutes <= 0 {
		return types.ActiveTimedMode{}, errors.New("duration must be at least 1 minute")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked(ctx, mode, true)

	duration := time.Duration(minutes) * time.Minute
	now := c.now().In(c.location())
	expiresAt := now.Add(duration)

	log.Ctx(ctx).InfoContext(ctx, "enabling timed mode",
		slog.String("mode", string(mode)),
		slog.Time("expiresAt", expiresAt),
		slog.Int("minutes", minutes),
	)

	// only dtg takes an explicit window on the mode toggle itself
	var window *types.Window
	if mode == types.ModeDischargeToGrid {
		window = &types.Window{Start: types.ClockTimeOf(now), End: types.ClockTimeOf(expiresAt)}
	}
	if err := c.client.SetMode(ctx, mode, true, window); err != nil {
		// the old activation already cancelled above is not restored
		return types.ActiveTimedMode{}, fmt.Errorf("failed to enable %s: %w", mode, err)
	}

	record := types.TimedActivation{
		ID:        uuid.NewString(),
		Mode:      mode,
		ExpiresAt: expiresAt,
		Label:     mode.Name(),
	}
	timer := time.AfterFunc(duration, func() {
		c.expire(mode, record.ID)
	})
	c.active[mode] = &activation{record: record, timer: timer}

	c.persistLocked(ctx)
	c.recordAction(ctx, "timed_enable", mode, fmt.Sprintf("enabled for %dm", minutes))

	return types.ActiveTimedMode{
		Mode:             mode,
		Label:            record.Label,
		RemainingMinutes: minutes,
		ExpiresAt:        expiresAt,
	}, nil
}

// expire is the timer callback. The activation ID guards against a timer
// firing for an activation that was already superseded.
func (c *Controller) expire(mode types.Mode, activationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.active[mode]
	if !ok || a.record.ID != activationID {
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "timed mode expired", slog.String("mode", string(mode)))
	c.cancelLocked(ctx, mode, true)
}

// Cancel stops the activation for mode if one is running. When disableMode is
// set the mode itself is turned off, but only if the latest snapshot still
// shows it enabled so a manual turn-off is not undone. It reports whether an
// activation was actually cancelled.
func (c *Controller) Cancel(ctx context.Context, mode types.Mode, disableMode bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(ctx, mode, disableMode)
}

func (c *Controller) cancelLocked(ctx context.Context, mode types.Mode, disableMode bool) bool {
	a, ok := c.active[mode]
	if !ok {
		return false
	}
	delete(c.active, mode)
	a.timer.Stop()

	// schedule deletion is best-effort: a stale id must not block the rest of
	// the cleanup
	if a.record.ScheduleID != "" {
		if err := c.client.DeleteSchedule(ctx, a.record.ScheduleID); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to delete timed schedule",
				slog.String("scheduleID", a.record.ScheduleID), slog.Any("error", err))
		} else {
			log.Ctx(ctx).InfoContext(ctx, "deleted timed schedule",
				slog.String("scheduleID", a.record.ScheduleID), slog.String("mode", string(mode)))
		}
	}

	if disableMode {
		if snap, err := c.client.FetchSnapshot(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "could not check mode state before disabling",
				slog.String("mode", string(mode)), slog.Any("error", err))
		} else if snap.Enabled(mode) {
			if err := c.client.SetMode(ctx, mode, false, nil); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to disable timed mode",
					slog.String("mode", string(mode)), slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "disabled mode after timed activation ended",
					slog.String("mode", string(mode)))
			}
		}
	}

	c.persistLocked(ctx)
	c.recordAction(ctx, "timed_cancel", mode, "")
	return true
}

// CancelAll cancels every running activation, used on shutdown and from the
// cancel-all operation.
func (c *Controller) CancelAll(ctx context.Context, disableModes bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, mode := range types.Modes {
		c.cancelLocked(ctx, mode, disableModes)
	}
	if err := c.store.ClearTimedActivations(ctx, c.siteID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to clear timed activations", slog.Any("error", err))
	}
}

// Active returns the still-running activations, most of the time zero or one.
// Records whose expiry already passed are filtered out; the timer will clean
// them up shortly.
func (c *Controller) Active() []types.ActiveTimedMode {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []types.ActiveTimedMode
	for _, mode := range types.Modes {
		a, ok := c.active[mode]
		if !ok || !a.record.ExpiresAt.After(now) {
			continue
		}
		remaining := int(a.record.ExpiresAt.Sub(now).Minutes())
		if remaining < 1 {
			remaining = 1
		}
		out = append(out, types.ActiveTimedMode{
			Mode:             mode,
			Label:            a.record.Label,
			RemainingMinutes: remaining,
			ExpiresAt:        a.record.ExpiresAt,
			ScheduleID:       a.record.ScheduleID,
		})
	}
	return out
}

// RecoverOnStartup cleans up activations a previous run left behind. Their
// timers are gone, so every persisted record gets its schedule deleted and
// its mode disabled unconditionally, then the store is cleared. All vendor
// calls are best-effort.
func (c *Controller) RecoverOnStartup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.GetTimedActivations(ctx, c.siteID)
	if err != nil {
		return fmt.Errorf("failed to load timed activations: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	log.Ctx(ctx).InfoContext(ctx, "recovering orphaned timed modes", slog.Int("count", len(records)))
	for key, record := range records {
		mode, err := types.ParseMode(key)
		if err != nil {
			mode = record.Mode
		}
		if record.ScheduleID != "" {
			if err := c.client.DeleteSchedule(ctx, record.ScheduleID); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "could not delete orphaned schedule",
					slog.String("scheduleID", record.ScheduleID), slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "cleaned up orphaned schedule",
					slog.String("scheduleID", record.ScheduleID), slog.String("mode", string(mode)))
			}
		}
		if mode.Valid() {
			if err := c.client.SetMode(ctx, mode, false, nil); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "could not disable orphaned mode",
					slog.String("mode", string(mode)), slog.Any("error", err))
			}
		}
	}

	if err := c.store.ClearTimedActivations(ctx, c.siteID); err != nil {
		return fmt.Errorf("failed to clear timed activations: %w", err)
	}
	c.recordAction(ctx, "timed_recover", "", fmt.Sprintf("cleaned up %d orphaned activations", len(records)))
	return nil
}

// persistLocked writes the current activations to the store so a restart can
// recover them. Must be called with c.mu held.
func (c *Controller) persistLocked(ctx context.Context) {
	if len(c.active) == 0 {
		if err := c.store.ClearTimedActivations(ctx, c.siteID); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to clear timed activations", slog.Any("error", err))
		}
		return
	}
	records := make(map[string]types.TimedActivation, len(c.active))
	for mode, a := range c.active {
		records[string(mode)] = a.record
	}
	if err := c.store.SetTimedActivations(ctx, c.siteID, records); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist timed activations", slog.Any("error", err))
	}
}

func (c *Controller) recordAction(ctx context.Context, kind string, mode types.Mode, detail string) {
	action := types.Action{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		Kind:      kind,
		Mode:      mode,
		Detail:    detail,
	}
	if err := c.store.InsertAction(ctx, c.siteID, action); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record action", slog.Any("error", err))
	}
}
