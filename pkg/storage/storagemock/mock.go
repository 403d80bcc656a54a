package storagemock

import (
	"context"
	"time"

	"github.com/gridhelm/gridhelm/pkg/storage"
	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	args := m.Called(ctx, siteID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetTokenCache(ctx context.Context, siteID string) (types.TokenCache, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.TokenCache), args.Error(1)
	}
	return types.TokenCache{}, nil
}

func (m *MockDatabase) SetTokenCache(ctx context.Context, siteID string, cache types.TokenCache) error {
	args := m.Called(ctx, siteID, cache)
	return args.Error(0)
}

func (m *MockDatabase) GetTimedActivations(ctx context.Context, siteID string) (map[string]types.TimedActivation, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.(map[string]types.TimedActivation), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SetTimedActivations(ctx context.Context, siteID string, activations map[string]types.TimedActivation) error {
	args := m.Called(ctx, siteID, activations)
	return args.Error(0)
}

func (m *MockDatabase) ClearTimedActivations(ctx context.Context, siteID string) error {
	args := m.Called(ctx, siteID)
	return args.Error(0)
}

func (m *MockDatabase) InsertAction(ctx context.Context, siteID string, action types.Action) error {
	args := m.Called(ctx, siteID, action)
	return args.Error(0)
}

func (m *MockDatabase) GetActionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Action, error) {
	args := m.Called(ctx, siteID, start, end)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]types.Action), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) ListSites(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]string), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
