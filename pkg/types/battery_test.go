package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"cfg", ModeChargeFromGrid, true},
		{"dtg", ModeDischargeToGrid, true},
		{"rbd", ModeRestrictDischarge, true},
		{"cfgControl", ModeChargeFromGrid, true},
		{"rbdControl", ModeRestrictDischarge, true},
		{" dtg ", ModeDischargeToGrid, true},
		{"bogus", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		m, err := ParseMode(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, m, tt.in)
	}
}

func TestModeName(t *testing.T) {
	assert.Equal(t, "Charge from Grid", ModeChargeFromGrid.Name())
	assert.Equal(t, "Restrict Battery Discharge", ModeRestrictDischarge.Name())
	assert.Equal(t, "cfgControl", ModeChargeFromGrid.ControlKey())
}

func TestParseClockTime(t *testing.T) {
	ct, err := ParseClockTime("06:30")
	require.NoError(t, err)
	assert.Equal(t, ClockTime(6*60+30), ct)
	assert.Equal(t, "06:30", ct.String())

	// seconds are truncated
	ct, err = ParseClockTime("23:45:59")
	require.NoError(t, err)
	assert.Equal(t, "23:45", ct.String())

	_, err = ParseClockTime("not a time")
	assert.Error(t, err)

	_, err = ParseClockTime("25:00")
	assert.Error(t, err)
}

func TestClockTimeJSON(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		var ct ClockTime
		require.NoError(t, json.Unmarshal([]byte(`"06:00"`), &ct))
		assert.Equal(t, ClockTime(360), ct)
	})

	t.Run("StringWithSeconds", func(t *testing.T) {
		var ct ClockTime
		require.NoError(t, json.Unmarshal([]byte(`"10:15:30"`), &ct))
		assert.Equal(t, "10:15", ct.String())
	})

	t.Run("NumberAsHours", func(t *testing.T) {
		var ct ClockTime
		require.NoError(t, json.Unmarshal([]byte(`6`), &ct))
		assert.Equal(t, ClockTime(360), ct)
	})

	t.Run("NumberAsMinutes", func(t *testing.T) {
		var ct ClockTime
		require.NoError(t, json.Unmarshal([]byte(`390`), &ct))
		assert.Equal(t, "06:30", ct.String())
	})

	t.Run("Marshal", func(t *testing.T) {
		b, err := json.Marshal(ClockTime(615))
		require.NoError(t, err)
		assert.Equal(t, `"10:15"`, string(b))
	})

	t.Run("Invalid", func(t *testing.T) {
		var ct ClockTime
		assert.Error(t, json.Unmarshal([]byte(`true`), &ct))
		assert.Error(t, json.Unmarshal([]byte(`1441`), &ct))
	})
}

func TestNormalizeDays(t *testing.T) {
	assert.Equal(t, []int{1, 2, 5}, NormalizeDays([]int{5, 2, 1, 2}))
	assert.Equal(t, []int{7}, NormalizeDays([]int{0, 7, 8, -1}))
	assert.Nil(t, NormalizeDays(nil))
}

func TestScheduleRequestValidate(t *testing.T) {
	req := ScheduleRequest{
		Mode:  ModeDischargeToGrid,
		Start: 360,
		End:   600,
		Limit: 80,
		Days:  []int{1, 2},
	}
	require.NoError(t, req.Validate())

	bad := req
	bad.Mode = "nope"
	assert.Error(t, bad.Validate())

	bad = req
	bad.Limit = 101
	assert.Error(t, bad.Validate())

	bad = req
	bad.Days = []int{0, 9}
	assert.Error(t, bad.Validate())
}

func TestSnapshotControl(t *testing.T) {
	snap := Snapshot{
		CFG: ModeControl{Enabled: true},
		DTG: ModeControl{Enabled: false},
	}
	assert.True(t, snap.Enabled(ModeChargeFromGrid))
	assert.False(t, snap.Enabled(ModeDischargeToGrid))
	assert.False(t, snap.Enabled(ModeRestrictDischarge))
	require.NotNil(t, snap.Control(ModeRestrictDischarge))
	assert.Nil(t, snap.Control(Mode("bogus")))
}
