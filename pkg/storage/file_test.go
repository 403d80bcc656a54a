package storage

import (
	"context"
	"testing"
	"time"

	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileProvider(t *testing.T) *FileProvider {
	f := &FileProvider{dir: t.TempDir()}
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(context.Background()))
	return f
}

func TestFileProviderSettings(t *testing.T) {
	f := newTestFileProvider(t)
	ctx := context.Background()

	// unknown site returns defaults
	s, version, err := f.GetSettings(ctx, "site1")
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Equal(t, types.Settings{}, s)

	settings := types.Settings{Timezone: "Europe/Berlin", PollIntervalMinutes: 15}
	require.NoError(t, f.SetSettings(ctx, "site1", settings, 3))

	s, version, err = f.GetSettings(ctx, "site1")
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.Equal(t, settings, s)

	t.Run("InvalidSiteID", func(t *testing.T) {
		_, _, err := f.GetSettings(ctx, "")
		assert.Error(t, err)
		_, _, err = f.GetSettings(ctx, "../escape")
		assert.Error(t, err)
	})
}

func TestFileProviderTokenCache(t *testing.T) {
	f := newTestFileProvider(t)
	ctx := context.Background()

	_, err := f.GetTokenCache(ctx, "site1")
	assert.ErrorIs(t, err, ErrNotFound)

	cache := types.TokenCache{
		JWT:       "header.payload.sig",
		XSRF:      "xsrf",
		JWTExpiry: time.Now().Add(time.Hour).Truncate(time.Second).UTC(),
		UserID:    "111",
		BatteryID: "222",
	}
	require.NoError(t, f.SetTokenCache(ctx, "site1", cache))

	got, err := f.GetTokenCache(ctx, "site1")
	require.NoError(t, err)
	assert.Equal(t, cache, got)

	// other sites are unaffected
	_, err = f.GetTokenCache(ctx, "site2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProviderTimedActivations(t *testing.T) {
	f := newTestFileProvider(t)
	ctx := context.Background()

	got, err := f.GetTimedActivations(ctx, "site1")
	require.NoError(t, err)
	assert.Empty(t, got)

	activations := map[string]types.TimedActivation{
		"dtg": {
			ID:        "act-dtg",
			Mode:      types.ModeDischargeToGrid,
			ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second).UTC(),
			Label:     "Discharge to Grid",
		},
	}
	require.NoError(t, f.SetTimedActivations(ctx, "site1", activations))

	got, err = f.GetTimedActivations(ctx, "site1")
	require.NoError(t, err)
	assert.Equal(t, activations, got)

	require.NoError(t, f.ClearTimedActivations(ctx, "site1"))
	got, err = f.GetTimedActivations(ctx, "site1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileProviderActionHistory(t *testing.T) {
	f := newTestFileProvider(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	// insert out of order to verify sorting
	for _, a := range []types.Action{
		{ID: "late", Timestamp: now.Add(10 * time.Minute), Kind: "timed_cancel", Mode: types.ModeChargeFromGrid},
		{ID: "early", Timestamp: now, Kind: "timed_enable", Mode: types.ModeChargeFromGrid},
		{ID: "old", Timestamp: now.Add(-2 * time.Hour), Kind: "schedule_add", Mode: types.ModeDischargeToGrid},
	} {
		require.NoError(t, f.InsertAction(ctx, "site1", a))
	}

	actions, err := f.GetActionHistory(ctx, "site1", now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "early", actions[0].ID)
	assert.Equal(t, "late", actions[1].ID)
}

func TestFileProviderListSites(t *testing.T) {
	f := newTestFileProvider(t)
	ctx := context.Background()

	sites, err := f.ListSites(ctx)
	require.NoError(t, err)
	assert.Empty(t, sites)

	require.NoError(t, f.SetSettings(ctx, "site2", types.Settings{}, 1))
	require.NoError(t, f.SetSettings(ctx, "site1", types.Settings{}, 1))

	sites, err = f.ListSites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site1", "site2"}, sites)
}

func TestFileProviderPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	f := &FileProvider{dir: dir}
	require.NoError(t, f.Init(ctx))
	require.NoError(t, f.SetSettings(ctx, "site1", types.Settings{Timezone: "UTC"}, 1))
	require.NoError(t, f.Close())

	f2 := &FileProvider{dir: dir}
	require.NoError(t, f2.Init(ctx))
	s, version, err := f2.GetSettings(ctx, "site1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "UTC", s.Timezone)
}
