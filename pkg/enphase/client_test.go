package enphase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gridhelm/gridhelm/pkg/storage"
	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	caches map[string]types.TokenCache
}

func newMemStore() *memStore {
	return &memStore{caches: make(map[string]types.TokenCache)}
}

func (s *memStore) GetTokenCache(ctx context.Context, siteID string) (types.TokenCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[siteID]; ok {
		return c, nil
	}
	return types.TokenCache{}, storage.ErrNotFound
}

func (s *memStore) SetTokenCache(ctx context.Context, siteID string, cache types.TokenCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[siteID] = cache
	return nil
}

func makeJWT(t *testing.T, exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

// fakeCloud simulates the Enlighten web login and battery config API.
type fakeCloud struct {
	t   *testing.T
	srv *httptest.Server

	mu               sync.Mutex
	jwt              string
	logins           int
	settingsGets     int
	failSettings     int
	lastPut          map[string]interface{}
	lastAdd          map[string]interface{}
	lastValidate     map[string]interface{}
	deleted          []string
	validateResponse map[string]interface{}
	settingsBody     string
	schedulesBody    string
}

func newFakeCloud(t *testing.T) *fakeCloud {
	f := &fakeCloud{
		t:                t,
		jwt:              makeJWT(t, time.Now().Add(24*time.Hour)),
		validateResponse: map[string]interface{}{"valid": true},
		settingsBody:     `{"data":{"chargeFromGrid":false,"dtgControl":{"enabled":false},"rbdControl":{"enabled":false}}}`,
		schedulesBody:    `{}`,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/login" && r.Method == "GET":
		fmt.Fprint(w, `<html><body><form><input type="hidden" name="authenticity_token" value="csrf-abc"/></form></body></html>`)
	case path == "/login/login" && r.Method == "POST":
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "csrf-abc", r.PostForm.Get("authenticity_token"))
		assert.Equal(f.t, "✓", r.PostForm.Get("utf8"))
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "_enlighten_session", Value: "sess-1", Path: "/"})
	case path == "/app-api/jwt_token.json":
		fmt.Fprintf(w, `{"token":%q}`, f.jwt)
	case path == "/":
		http.Redirect(w, r, "/web/4242", http.StatusFound)
	case path == "/web/4242":
		// landing page after redirect
	case path == "/app-api/4242/data.json":
		fmt.Fprint(w, `{"app":{"userId":777}}`)
	case path == "/service/batteryConfig/api/v1/battery/sites/4242/schedules/isValid":
		http.SetCookie(w, &http.Cookie{Name: "BP-XSRF-Token", Value: "xsrf-abc", Path: "/"})
		f.lastValidate = decodeJSONBody(f.t, r)
		json.NewEncoder(w).Encode(f.validateResponse)
	case path == "/service/batteryConfig/api/v1/batterySettings/4242":
		assert.Equal(f.t, "777", r.URL.Query().Get("userId"))
		assert.Equal(f.t, "enho", r.URL.Query().Get("source"))
		switch r.Method {
		case "GET":
			f.settingsGets++
			if f.failSettings > 0 {
				f.failSettings--
				w.WriteHeader(http.StatusForbidden)
				return
			}
			assert.Equal(f.t, f.jwt, r.Header.Get("e-auth-token"))
			assert.Equal(f.t, "xsrf-abc", r.Header.Get("x-xsrf-token"))
			fmt.Fprint(w, f.settingsBody)
		case "PUT":
			f.lastPut = decodeJSONBody(f.t, r)
			fmt.Fprint(w, `{}`)
		}
	case path == "/service/batteryConfig/api/v1/battery/sites/4242/schedules":
		switch r.Method {
		case "GET":
			fmt.Fprint(w, f.schedulesBody)
		case "POST":
			f.lastAdd = decodeJSONBody(f.t, r)
			fmt.Fprint(w, `{"scheduleId":"9001"}`)
		}
	case strings.HasPrefix(path, "/service/batteryConfig/api/v1/battery/sites/4242/schedules/") && strings.HasSuffix(path, "/delete"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/service/batteryConfig/api/v1/battery/sites/4242/schedules/"), "/delete")
		f.deleted = append(f.deleted, id)
		fmt.Fprint(w, `{}`)
	default:
		f.t.Logf("unexpected request: %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func decodeJSONBody(t *testing.T, r *http.Request) map[string]interface{} {
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

func (f *fakeCloud) client(store CacheStore) *Client {
	c := newClient("test-site", store)
	c.baseURL = f.srv.URL
	c.uiOrigin = f.srv.URL
	return c
}

func (f *fakeCloud) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func testCreds() types.Credentials {
	return types.Credentials{Enphase: &types.EnphaseCredentials{
		Email:    "owner@example.com",
		Password: "hunter2",
	}}
}

func TestClientAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newFakeCloud(t)
	store := newMemStore()
	c := f.client(store)

	creds, changed, err := c.Authenticate(ctx, testCreds())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "777", creds.Enphase.UserID)
	assert.Equal(t, "4242", creds.Enphase.BatteryID)
	assert.Equal(t, 1, f.loginCount())

	cache, err := store.GetTokenCache(ctx, "test-site")
	require.NoError(t, err)
	assert.Equal(t, f.jwt, cache.JWT)
	assert.Equal(t, "xsrf-abc", cache.XSRF)
	assert.Equal(t, "777", cache.UserID)
	assert.Equal(t, "4242", cache.BatteryID)
	assert.NotEmpty(t, cache.Cookies)

	t.Run("NoRelogin", func(t *testing.T) {
		// a second authenticate with a live session must not login again
		_, changed, err := c.Authenticate(ctx, creds)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, 1, f.loginCount())
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		_, _, err := c.Authenticate(ctx, types.Credentials{})
		assert.True(t, IsAuthError(err))
	})
}

func TestClientSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFakeCloud(t)
	store := newMemStore()

	_, _, err := f.client(store).Authenticate(ctx, testCreds())
	require.NoError(t, err)
	require.Equal(t, 1, f.loginCount())

	// a fresh client with the same store restores the session from the cache
	c2 := f.client(store)
	creds, changed, err := c2.Authenticate(ctx, testCreds())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "777", creds.Enphase.UserID)
	assert.Equal(t, 1, f.loginCount())
}

func TestClientJWTExpiryMargin(t *testing.T) {
	ctx := context.Background()

	t.Run("NearExpiryForcesLogin", func(t *testing.T) {
		f := newFakeCloud(t)
		f.jwt = makeJWT(t, time.Now().Add(30*time.Minute))
		c := f.client(newMemStore())

		_, _, err := c.Authenticate(ctx, testCreds())
		require.NoError(t, err)
		require.Equal(t, 1, f.loginCount())

		// the token expires within the hour margin, so the next call logs in
		// again even though the token is not expired yet
		_, err = c.FetchSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, f.loginCount())
	})

	t.Run("FreshTokenReused", func(t *testing.T) {
		f := newFakeCloud(t)
		f.jwt = makeJWT(t, time.Now().Add(6*time.Hour))
		c := f.client(newMemStore())

		_, _, err := c.Authenticate(ctx, testCreds())
		require.NoError(t, err)
		_, err = c.FetchSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, f.loginCount())
	})
}

func TestClientForbiddenRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("RetriesOnceAfterRefresh", func(t *testing.T) {
		f := newFakeCloud(t)
		c := f.client(newMemStore())
		_, _, err := c.Authenticate(ctx, testCreds())
		require.NoError(t, err)

		f.mu.Lock()
		f.failSettings = 1
		f.mu.Unlock()

		_, err = c.FetchSnapshot(ctx)
		require.NoError(t, err)

		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, 2, f.settingsGets)
		assert.Equal(t, 2, f.logins)
	})

	t.Run("SecondForbiddenFails", func(t *testing.T) {
		f := newFakeCloud(t)
		c := f.client(newMemStore())
		_, _, err := c.Authenticate(ctx, testCreds())
		require.NoError(t, err)

		f.mu.Lock()
		f.failSettings = 2
		f.mu.Unlock()

		_, err = c.FetchSnapshot(ctx)
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusForbidden, te.Status)

		f.mu.Lock()
		defer f.mu.Unlock()
		// exactly one retry, never a third attempt
		assert.Equal(t, 2, f.settingsGets)
	})
}

func TestClientSetMode(t *testing.T) {
	ctx := context.Background()
	f := newFakeCloud(t)
	c := f.client(newMemStore())
	_, _, err := c.Authenticate(ctx, testCreds())
	require.NoError(t, err)

	t.Run("ChargeFromGrid", func(t *testing.T) {
		require.NoError(t, c.SetMode(ctx, types.ModeChargeFromGrid, true, nil))
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, true, f.lastPut["chargeFromGrid"])
		disclaimer, _ := f.lastPut["acceptedItcDisclaimer"].(string)
		assert.True(t, strings.HasSuffix(disclaimer, "Z"), disclaimer)
	})

	t.Run("DischargeToGridWithWindow", func(t *testing.T) {
		window := &types.Window{Start: 17 * 60, End: 18*60 + 30}
		require.NoError(t, c.SetMode(ctx, types.ModeDischargeToGrid, true, window))
		f.mu.Lock()
		defer f.mu.Unlock()
		control, ok := f.lastPut["dtgControl"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, control["enabled"])
		assert.Equal(t, true, control["scheduleSupported"])
		assert.Equal(t, "17:00", control["startTime"])
		assert.Equal(t, "18:30", control["endTime"])
	})

	t.Run("RestrictDischarge", func(t *testing.T) {
		require.NoError(t, c.SetMode(ctx, types.ModeRestrictDischarge, false, nil))
		f.mu.Lock()
		defer f.mu.Unlock()
		control, ok := f.lastPut["rbdControl"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, false, control["enabled"])
		assert.NotContains(t, control, "startTime")
	})

	t.Run("InvalidMode", func(t *testing.T) {
		assert.Error(t, c.SetMode(ctx, "bogus", true, nil))
	})
}

func TestClientAddDeleteSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFakeCloud(t)
	c := f.client(newMemStore())
	_, _, err := c.Authenticate(ctx, testCreds())
	require.NoError(t, err)

	id, err := c.AddSchedule(ctx, types.ScheduleRequest{
		Mode:  types.ModeChargeFromGrid,
		Start: 6*60 + 30,
		End:   7*60 + 45,
		Limit: 100,
		Days:  []int{2, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", id)

	f.mu.Lock()
	assert.Equal(t, "06:30", f.lastAdd["startTime"])
	assert.Equal(t, "07:45", f.lastAdd["endTime"])
	assert.Equal(t, float64(100), f.lastAdd["limit"])
	assert.Equal(t, "cfg", f.lastAdd["scheduleType"])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, f.lastAdd["days"])
	assert.Equal(t, "UTC", f.lastAdd["timezone"])
	f.mu.Unlock()

	require.NoError(t, c.DeleteSchedule(ctx, id))
	f.mu.Lock()
	assert.Equal(t, []string{"9001"}, f.deleted)
	f.mu.Unlock()

	t.Run("InvalidRequest", func(t *testing.T) {
		_, err := c.AddSchedule(ctx, types.ScheduleRequest{Mode: "bogus"})
		assert.Error(t, err)
	})

	t.Run("MissingDeleteID", func(t *testing.T) {
		assert.Error(t, c.DeleteSchedule(ctx, ""))
	})
}

func TestClientValidateSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFakeCloud(t)
	c := f.client(newMemStore())
	_, _, err := c.Authenticate(ctx, testCreds())
	require.NoError(t, err)

	t.Run("RejectionIsAValue", func(t *testing.T) {
		f.mu.Lock()
		f.validateResponse = map[string]interface{}{"valid": false, "message": "schedule conflict"}
		f.mu.Unlock()

		res, err := c.ValidateSchedule(ctx, types.ModeDischargeToGrid, false)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "schedule conflict", res.Message)
	})

	t.Run("ForceOptedOnlyForCFG", func(t *testing.T) {
		f.mu.Lock()
		f.validateResponse = map[string]interface{}{"valid": true}
		f.mu.Unlock()

		res, err := c.ValidateSchedule(ctx, types.ModeChargeFromGrid, true)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		f.mu.Lock()
		assert.Equal(t, true, f.lastValidate["forceScheduleOpted"])
		f.mu.Unlock()

		_, err = c.ValidateSchedule(ctx, types.ModeRestrictDischarge, true)
		require.NoError(t, err)
		f.mu.Lock()
		assert.NotContains(t, f.lastValidate, "forceScheduleOpted")
		f.mu.Unlock()
	})
}

func TestClientFetchSnapshotMerge(t *testing.T) {
	ctx := context.Background()
	f := newFakeCloud(t)
	f.mu.Lock()
	f.settingsBody = `{"data":{
		"chargeFromGrid":true,
		"cfgControl":{"enabled":false,"schedules":[{"startTime":null,"endTime":null}]},
		"dtgControl":{"enabled":true,"scheduleSupported":true},
		"rbdControl":{"enabled":false}
	}}`
	f.schedulesBody = `{"data":{"cfg":{"details":[{"scheduleId":"real-id","startTime":"06:00","endTime":"10:00","limit":80,"days":[1,2]}]}}}`
	f.mu.Unlock()

	c := f.client(newMemStore())
	_, _, err := c.Authenticate(ctx, testCreds())
	require.NoError(t, err)

	snap, err := c.FetchSnapshot(ctx)
	require.NoError(t, err)

	// chargeFromGrid wins over the cfgControl enabled flag
	assert.True(t, snap.Enabled(types.ModeChargeFromGrid))
	assert.True(t, snap.Enabled(types.ModeDischargeToGrid))
	assert.False(t, snap.Enabled(types.ModeRestrictDischarge))

	// the placeholder settings row gains identity and detail from the
	// schedules resource
	require.Len(t, snap.CFG.Schedules, 1)
	entry := snap.CFG.Schedules[0]
	assert.Equal(t, "real-id", entry.ID)
	require.NotNil(t, entry.Start)
	require.NotNil(t, entry.End)
	assert.Equal(t, "06:00", entry.Start.String())
	assert.Equal(t, "10:00", entry.End.String())
	assert.Equal(t, 80, entry.Limit)
	assert.Equal(t, []int{1, 2}, entry.Days)

	require.Len(t, snap.Schedules[types.ModeChargeFromGrid], 1)
	assert.Equal(t, "real-id", snap.Schedules[types.ModeChargeFromGrid][0].ID)
}
