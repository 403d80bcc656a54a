package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridhelm/gridhelm/pkg/enphase"
	"github.com/gridhelm/gridhelm/pkg/poller"
	"github.com/gridhelm/gridhelm/pkg/storage/storagemock"
	"github.com/gridhelm/gridhelm/pkg/timed"
	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu          sync.Mutex
	fetches     int
	snapshot    types.Snapshot
	snapshotErr error
	validation  types.ValidationResult
	nextID      int
	added       []types.ScheduleRequest
	deleted     []string
	setModes    []string
}

func (f *fakeService) ApplySettings(ctx context.Context, settings types.Settings) error {
	return nil
}

func (f *fakeService) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	return creds, false, nil
}

func (f *fakeService) FetchSnapshot(ctx context.Context) (types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.snapshot, f.snapshotErr
}

func (f *fakeService) SetMode(ctx context.Context, mode types.Mode, enabled bool, window *types.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "off"
	if enabled {
		state = "on"
	}
	f.setModes = append(f.setModes, string(mode)+":"+state)
	return nil
}

func (f *fakeService) AddSchedule(ctx context.Context, req types.ScheduleRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, req)
	f.nextID++
	return "sched-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeService) DeleteSchedule(ctx context.Context, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, scheduleID)
	return nil
}

func (f *fakeService) ValidateSchedule(ctx context.Context, mode types.Mode, forceOpted bool) (types.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validation, nil
}

func newTestServer(t *testing.T) (http.Handler, *fakeService, *storagemock.MockDatabase) {
	svc := &fakeService{
		snapshot:   types.Snapshot{CFG: types.ModeControl{Enabled: true}},
		validation: types.ValidationResult{Valid: true},
	}
	em := enphase.NewMap(nil)
	em.SetService(types.SiteIDNone, svc)

	db := &storagemock.MockDatabase{}
	db.On("GetSettings", mock.Anything, types.SiteIDNone).
		Return(types.Settings{Timezone: "UTC", PollIntervalMinutes: 5}, types.CurrentSettingsVersion, nil).Maybe()
	db.On("InsertAction", mock.Anything, types.SiteIDNone, mock.Anything).Return(nil).Maybe()
	db.On("GetTimedActivations", mock.Anything, types.SiteIDNone).Return(nil, nil).Maybe()
	db.On("SetTimedActivations", mock.Anything, types.SiteIDNone, mock.Anything).Return(nil).Maybe()
	db.On("ClearTimedActivations", mock.Anything, types.SiteIDNone).Return(nil).Maybe()

	tm := timed.NewMap(db)
	srv := &Server{
		enphase:       em,
		timed:         tm,
		poller:        poller.New(em, db),
		storage:       db,
		bypassAuth:    true,
		singleSite:    true,
		encryptionKey: strings.Repeat("k", 32),
		serverName:    "test",
	}
	return srv.setupHandler(), svc, db
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServerHealthz(t *testing.T) {
	h, _, _ := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestServerSnapshot(t *testing.T) {
	h, svc, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.CFG.Enabled)
	assert.Equal(t, 1, svc.fetches)

	// the second request is served from the poller cache
	w = doJSON(t, h, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.fetches)

	// an explicit refresh goes back to the vendor
	w = doJSON(t, h, http.MethodGet, "/api/snapshot?refresh=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, svc.fetches)
}

func TestServerSetMode(t *testing.T) {
	h, svc, db := newTestServer(t)

	t.Run("OK", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/mode", `{"mode":"rbd","enabled":true}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []string{"rbd:on"}, svc.setModes)
		db.AssertCalled(t, "InsertAction", mock.Anything, types.SiteIDNone, mock.Anything)
	})

	t.Run("InvalidMode", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/mode", `{"mode":"turbo","enabled":true}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestServerSchedules(t *testing.T) {
	h, svc, _ := newTestServer(t)

	t.Run("Add", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/schedules",
			`{"schedule":{"scheduleType":"cfg","startTime":"06:30","endTime":"07:45","limit":100,"days":[1,2]}}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp scheduleIDResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "sched-1", resp.ScheduleID)

		require.Len(t, svc.added, 1)
		assert.Equal(t, "06:30", svc.added[0].Start.String())
	})

	t.Run("AddInvalid", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/schedules",
			`{"schedule":{"scheduleType":"cfg","startTime":"06:30","endTime":"07:45","limit":100,"days":[]}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UpdateIsDeleteThenRecreate", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/schedules/update",
			`{"scheduleId":"sched-1","schedule":{"scheduleType":"cfg","startTime":"08:00","endTime":"09:00","limit":50,"days":[3]}}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp scheduleIDResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "sched-2", resp.ScheduleID)
		assert.Equal(t, []string{"sched-1"}, svc.deleted)
	})

	t.Run("Delete", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/schedules/delete", `{"scheduleId":"sched-2"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, svc.deleted, "sched-2")
	})

	t.Run("DeleteMissingID", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/schedules/delete", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("List", func(t *testing.T) {
		svc.mu.Lock()
		svc.snapshot.Schedules = map[types.Mode][]types.ScheduleEntry{
			types.ModeChargeFromGrid: {{ID: "11", Limit: 100}},
		}
		svc.mu.Unlock()

		w := doJSON(t, h, http.MethodGet, "/api/schedules?refresh=1", "")
		require.Equal(t, http.StatusOK, w.Code)

		var schedules map[types.Mode][]types.ScheduleEntry
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &schedules))
		require.Len(t, schedules[types.ModeChargeFromGrid], 1)
		assert.Equal(t, "11", schedules[types.ModeChargeFromGrid][0].ID)
	})
}

func TestServerValidateSchedule(t *testing.T) {
	h, svc, _ := newTestServer(t)
	svc.validation = types.ValidationResult{Valid: false, Message: "overlaps existing schedule"}

	// a rejection still comes back as 200, the verdict is in the body
	w := doJSON(t, h, http.MethodPost, "/api/schedules/validate", `{"scheduleType":"dtg"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result types.ValidationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.Equal(t, "overlaps existing schedule", result.Message)
}

func TestServerTimed(t *testing.T) {
	h, svc, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/timed/enable", `{"mode":"rbd","minutes":30}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var active types.ActiveTimedMode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, types.ModeRestrictDischarge, active.Mode)
	assert.Equal(t, 30, active.RemainingMinutes)
	assert.Contains(t, svc.setModes, "rbd:on")

	w = doJSON(t, h, http.MethodGet, "/api/timed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []types.ActiveTimedMode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, types.ModeRestrictDischarge, list[0].Mode)

	w = doJSON(t, h, http.MethodPost, "/api/timed/cancel", `{"mode":"rbd"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)

	w = doJSON(t, h, http.MethodGet, "/api/timed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	t.Run("ZeroMinutes", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/timed/enable", `{"mode":"rbd","minutes":0}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestServerSettings(t *testing.T) {
	h, _, db := newTestServer(t)

	t.Run("Get", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/api/settings", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp SettingsRes
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "UTC", resp.Timezone)
		assert.False(t, resp.HasCredentials["enphase"])
		assert.Empty(t, resp.EncryptedCredentials)
	})

	t.Run("UpdateInvalidInterval", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/settings", `{"timezone":"UTC","pollIntervalMinutes":0}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UpdateInvalidTimezone", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/settings", `{"timezone":"Mars/Olympus","pollIntervalMinutes":5}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Update", func(t *testing.T) {
		db.On("SetSettings", mock.Anything, types.SiteIDNone, mock.Anything, types.CurrentSettingsVersion).Return(nil)

		w := doJSON(t, h, http.MethodPost, "/api/settings", `{"timezone":"America/Chicago","pollIntervalMinutes":10}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		db.AssertCalled(t, "SetSettings", mock.Anything, types.SiteIDNone, mock.Anything, types.CurrentSettingsVersion)
	})
}

func TestServerHistoryActions(t *testing.T) {
	h, _, db := newTestServer(t)
	db.On("GetActionHistory", mock.Anything, types.SiteIDNone, mock.Anything, mock.Anything).
		Return([]types.Action{{ID: "a1", Kind: "set_mode", Mode: types.ModeChargeFromGrid}}, nil)

	w := doJSON(t, h, http.MethodGet, "/api/history/actions", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var actions []types.Action
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "set_mode", actions[0].Kind)
}

func TestServerHistoryActionsRange(t *testing.T) {
	h, _, _ := newTestServer(t)

	start := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	end := time.Now().UTC().Format(time.RFC3339)
	w := doJSON(t, h, http.MethodGet, "/api/history/actions?start="+start+"&end="+end, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerAuthRequired(t *testing.T) {
	svc := &fakeService{}
	em := enphase.NewMap(nil)
	em.SetService(types.SiteIDNone, svc)
	db := &storagemock.MockDatabase{}
	srv := &Server{
		enphase:       em,
		timed:         timed.NewMap(db),
		poller:        poller.New(em, db),
		storage:       db,
		singleSite:    true,
		encryptionKey: strings.Repeat("k", 32),
	}
	h := srv.setupHandler()

	w := doJSON(t, h, http.MethodGet, "/api/snapshot", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// status is reachable without a login
	w = doJSON(t, h, http.MethodGet, "/api/auth/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status authStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.LoggedIn)
}

func TestServerSecurityHeaders(t *testing.T) {
	h, _, _ := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "test", w.Header().Get("Server"))
}
