package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// FileProvider implements the Database interface on the local filesystem.
// Each site is one JSON document, written atomically via rename, which is
// plenty for the small per-site state this service keeps.
type FileProvider struct {
	dir string
	mu  sync.Mutex
}

type siteDocument struct {
	Settings         types.Settings                   `json:"settings"`
	SettingsVersion  int                              `json:"settingsVersion"`
	TokenCache       *types.TokenCache                `json:"tokenCache,omitempty"`
	TimedActivations map[string]types.TimedActivation `json:"timedActivations,omitempty"`
	Actions          []types.Action                   `json:"actions,omitempty"`
}

// configuredFile sets up the file provider. It registers flags for
// configuration.
func configuredFile() *FileProvider {
	dir := lflag.String("storage-dir", "data", "Directory for file storage documents")

	f := &FileProvider{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.dir == "" {
		return errors.New("storage-dir cannot be empty")
	}
	return nil
}

// Init creates the storage directory if it does not exist.
func (f *FileProvider) Init(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir %s: %w", f.dir, err)
	}
	return nil
}

// Close is a no-op for the file provider.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) sitePath(siteID string) (string, error) {
	if siteID == "" {
		return "", errors.New("siteID cannot be empty")
	}
	if strings.ContainsAny(siteID, `/\.`) {
		return "", fmt.Errorf("invalid siteID: %q", siteID)
	}
	return filepath.Join(f.dir, siteID+".json"), nil
}

// load must be called with f.mu held.
func (f *FileProvider) load(ctx context.Context, siteID string) (siteDocument, error) {
	path, err := f.sitePath(siteID)
	if err != nil {
		return siteDocument{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return siteDocument{}, nil
		}
		return siteDocument{}, fmt.Errorf("failed to read site document %s: %w", siteID, err)
	}
	var doc siteDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal site document", slog.String("siteID", siteID), slog.Any("err", err))
		return siteDocument{}, fmt.Errorf("failed to unmarshal site document %s: %w", siteID, err)
	}
	return doc, nil
}

// save must be called with f.mu held.
func (f *FileProvider) save(siteID string, doc siteDocument) error {
	path, err := f.sitePath(siteID)
	if err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal site document %s: %w", siteID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write site document %s: %w", siteID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace site document %s: %w", siteID, err)
	}
	return nil
}

func (f *FileProvider) update(ctx context.Context, siteID string, fn func(*siteDocument)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load(ctx, siteID)
	if err != nil {
		return err
	}
	fn(&doc)
	return f.save(siteID, doc)
}

// GetSettings retrieves the site settings along with their stored version.
func (f *FileProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load(ctx, siteID)
	if err != nil {
		return types.Settings{}, 0, err
	}
	return doc.Settings, doc.SettingsVersion, nil
}

// SetSettings saves the site settings with the given version.
func (f *FileProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	return f.update(ctx, siteID, func(doc *siteDocument) {
		doc.Settings = settings
		doc.SettingsVersion = version
	})
}

// GetTokenCache retrieves the cached session tokens for the site.
func (f *FileProvider) GetTokenCache(ctx context.Context, siteID string) (types.TokenCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load(ctx, siteID)
	if err != nil {
		return types.TokenCache{}, err
	}
	if doc.TokenCache == nil {
		return types.TokenCache{}, fmt.Errorf("token cache for %s: %w", siteID, ErrNotFound)
	}
	return *doc.TokenCache, nil
}

// SetTokenCache saves the session tokens for the site.
func (f *FileProvider) SetTokenCache(ctx context.Context, siteID string, cache types.TokenCache) error {
	return f.update(ctx, siteID, func(doc *siteDocument) {
		doc.TokenCache = &cache
	})
}

// GetTimedActivations retrieves the persisted timed activations for the site.
func (f *FileProvider) GetTimedActivations(ctx context.Context, siteID string) (map[string]types.TimedActivation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return doc.TimedActivations, nil
}

// SetTimedActivations replaces the persisted timed activations for the site.
func (f *FileProvider) SetTimedActivations(ctx context.Context, siteID string, activations map[string]types.TimedActivation) error {
	return f.update(ctx, siteID, func(doc *siteDocument) {
		doc.TimedActivations = activations
	})
}

// ClearTimedActivations removes all persisted timed activations for the site.
func (f *FileProvider) ClearTimedActivations(ctx context.Context, siteID string) error {
	return f.update(ctx, siteID, func(doc *siteDocument) {
		doc.TimedActivations = nil
	})
}

// InsertAction appends an action record to the site's audit log.
func (f *FileProvider) InsertAction(ctx context.Context, siteID string, action types.Action) error {
	return f.update(ctx, siteID, func(doc *siteDocument) {
		doc.Actions = append(doc.Actions, action)
	})
}

// ListSites returns the IDs of every site with a stored document.
func (f *FileProvider) ListSites(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list storage dir %s: %w", f.dir, err)
	}
	var sites []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sites = append(sites, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(sites)
	return sites, nil
}

// GetActionHistory retrieves action records within [start, end).
func (f *FileProvider) GetActionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load(ctx, siteID)
	if err != nil {
		return nil, err
	}
	var actions []types.Action
	for _, a := range doc.Actions {
		if a.Timestamp.Before(start) || !a.Timestamp.Before(end) {
			continue
		}
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
	return actions, nil
}
