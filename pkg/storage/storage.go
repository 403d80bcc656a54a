package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Database defines the interface for persisting per-site state.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, siteID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error

	// Session token cache
	// GetTokenCache returns ErrNotFound when no cache has been saved yet.
	GetTokenCache(ctx context.Context, siteID string) (types.TokenCache, error)
	SetTokenCache(ctx context.Context, siteID string, cache types.TokenCache) error

	// Timed activations, keyed by mode
	GetTimedActivations(ctx context.Context, siteID string) (map[string]types.TimedActivation, error)
	SetTimedActivations(ctx context.Context, siteID string, activations map[string]types.TimedActivation) error
	ClearTimedActivations(ctx context.Context, siteID string) error

	// Action audit log
	InsertAction(ctx context.Context, siteID string, action types.Action) error
	GetActionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Action, error)

	// ListSites returns the IDs of every site with stored state.
	ListSites(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Database }

	fp := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := fp.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			if err := fp.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("file storage init failed: %v", err))
			}
			p.Database = fp
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
