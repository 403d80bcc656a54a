package enphase

import (
	"context"
	"sync"

	"github.com/gridhelm/gridhelm/pkg/types"
)

// Service defines the interface for talking to the Enphase cloud on behalf of
// one site.
type Service interface {
	// ApplySettings updates the service using the provided site settings.
	ApplySettings(ctx context.Context, settings types.Settings) error

	// Authenticate validates the credentials and returns updated credentials
	// along with a bool indicating if the credentials were updated (for
	// example with discovered identifiers). Avoid updating any caches/state
	// until the sent credentials are valid/successful. This should be called
	// AFTER ApplySettings.
	Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error)

	// FetchSnapshot returns the merged battery control state.
	FetchSnapshot(ctx context.Context) (types.Snapshot, error)

	// SetMode toggles one control mode. window is only honored by modes whose
	// payload carries an explicit start/end pair.
	SetMode(ctx context.Context, mode types.Mode, enabled bool, window *types.Window) error

	// AddSchedule creates a schedule and returns its vendor-assigned ID.
	AddSchedule(ctx context.Context, req types.ScheduleRequest) (string, error)

	// DeleteSchedule removes a schedule by ID.
	DeleteSchedule(ctx context.Context, scheduleID string) error

	// ValidateSchedule asks the vendor whether a schedule of the given type is
	// currently feasible. A rejection is returned as a value, not an error.
	ValidateSchedule(ctx context.Context, mode types.Mode, forceOpted bool) (types.ValidationResult, error)
}

// CacheStore is the slice of the database the client needs to persist session
// tokens across restarts.
type CacheStore interface {
	GetTokenCache(ctx context.Context, siteID string) (types.TokenCache, error)
	SetTokenCache(ctx context.Context, siteID string, cache types.TokenCache) error
}

// Configured sets up the Enphase service Map.
func Configured(store CacheStore) *Map {
	return NewMap(store)
}

// Map manages the per-site Enphase services.
type Map struct {
	mu       sync.Mutex
	store    CacheStore
	services map[string]Service
}

// NewMap creates a new service Map.
func NewMap(store CacheStore) *Map {
	return &Map{
		store:    store,
		services: make(map[string]Service),
	}
}

// Site returns the service for the given siteID.
// If the siteID is new, it creates a new client instance.
func (m *Map) Site(ctx context.Context, siteID string, settings types.Settings) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}

	if svc, ok := m.services[siteID]; ok {
		if err := svc.ApplySettings(ctx, settings); err != nil {
			return nil, err
		}
		return svc, nil
	}

	c := newClient(siteID, m.store)
	if err := c.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	m.services[siteID] = c
	return c, nil
}

// Sites returns the IDs of every site a service has been created for.
func (m *Map) Sites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	return ids
}

// SetService sets the service for a specific site. This is primarily used for
// testing.
func (m *Map) SetService(siteID string, svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[siteID] = svc
}
