package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Mode identifies one of the battery control behaviors exposed by the vendor
// cloud.
type Mode string

const (
	// ModeChargeFromGrid allows the battery to charge from the grid.
	ModeChargeFromGrid Mode = "cfg"
	// ModeDischargeToGrid allows the battery to discharge into the grid.
	ModeDischargeToGrid Mode = "dtg"
	// ModeRestrictDischarge prevents the battery from discharging.
	ModeRestrictDischarge Mode = "rbd"
)

// Modes lists every control mode in a stable order.
var Modes = []Mode{ModeChargeFromGrid, ModeDischargeToGrid, ModeRestrictDischarge}

var modeNames = map[Mode]string{
	ModeChargeFromGrid:    "Charge from Grid",
	ModeDischargeToGrid:   "Discharge to Grid",
	ModeRestrictDischarge: "Restrict Battery Discharge",
}

// ParseMode accepts either the short key ("cfg") or the control-block key
// ("cfgControl") used elsewhere in the vendor payloads.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.TrimSuffix(strings.TrimSpace(s), "Control"))
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode: %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the known control modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// Name returns the human-readable label for the mode.
func (m Mode) Name() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return strings.ToUpper(string(m))
}

// ControlKey returns the key the vendor settings payload uses for this mode's
// control block, e.g. "cfgControl".
func (m Mode) ControlKey() string {
	return string(m) + "Control"
}

// ClockTime is a minute-of-day value. The vendor API represents schedule
// boundaries as either "HH:MM" strings (sometimes with a seconds suffix) or
// bare numbers depending on the endpoint, so it unmarshals from both and
// always marshals back as "HH:MM".
type ClockTime int

var clockTimeRE = regexp.MustCompile(`(\d{1,2}):(\d{2})`)

// ParseClockTime parses "HH:MM" or "HH:MM:SS", truncating any seconds.
func ParseClockTime(s string) (ClockTime, error) {
	m := clockTimeRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid clock time: %q", s)
	}
	var h, min int
	fmt.Sscanf(m[1], "%d", &h)
	fmt.Sscanf(m[2], "%d", &min)
	if h > 23 || min > 59 {
		return 0, fmt.Errorf("clock time out of range: %q", s)
	}
	return ClockTime(h*60 + min), nil
}

// ClockTimeOf returns the minute-of-day for t in its own location.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// MarshalJSON renders the time as "HH:MM".
func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts "HH:MM", "HH:MM:SS", or a number. Numbers below 24
// are hours (the form the vendor uses for whole-hour boundaries), anything
// larger is a minute-of-day.
func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		ct, err := ParseClockTime(s)
		if err != nil {
			return err
		}
		*c = ct
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid clock time: %s", string(b))
	}
	if n < 0 || n >= 24*60 {
		return fmt.Errorf("clock time out of range: %v", n)
	}
	if n < 24 {
		*c = ClockTime(int(n) * 60)
	} else {
		*c = ClockTime(int(n))
	}
	return nil
}

// NormalizeDays returns the sorted, de-duplicated ISO weekdays (1=Monday ..
// 7=Sunday) from raw, dropping anything out of range.
func NormalizeDays(raw []int) []int {
	seen := make(map[int]bool, len(raw))
	var days []int
	for _, d := range raw {
		if d < 1 || d > 7 || seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, d)
	}
	sort.Ints(days)
	return days
}

// ScheduleEntry is one vendor-side recurring time window tied to a control
// mode. Start/End are pointers because the settings payload reports entries
// with null boundaries until the schedules resource fills them in.
type ScheduleEntry struct {
	ID    string     `json:"scheduleId"`
	Type  Mode       `json:"scheduleType,omitempty"`
	Start *ClockTime `json:"startTime"`
	End   *ClockTime `json:"endTime"`
	Limit int        `json:"limit"`
	Days  []int      `json:"days,omitempty"`
}

// ScheduleRequest describes a schedule to create. Edits are modeled as
// delete followed by recreate, so there is no update variant.
type ScheduleRequest struct {
	Mode     Mode      `json:"scheduleType"`
	Start    ClockTime `json:"startTime"`
	End      ClockTime `json:"endTime"`
	Limit    int       `json:"limit"`
	Days     []int     `json:"days"`
	Timezone string    `json:"timezone,omitempty"`
}

// Validate checks the request fields against vendor constraints.
func (r ScheduleRequest) Validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("invalid mode: %q", r.Mode)
	}
	if r.Limit < 0 || r.Limit > 100 {
		return fmt.Errorf("limit must be between 0 and 100, got %d", r.Limit)
	}
	if len(NormalizeDays(r.Days)) == 0 {
		return fmt.Errorf("at least one weekday is required")
	}
	return nil
}

// Window is an explicit start/end pair for modes whose API accepts one.
type Window struct {
	Start ClockTime `json:"startTime"`
	End   ClockTime `json:"endTime"`
}

// ModeControl is the merged per-mode control state.
type ModeControl struct {
	Enabled           bool            `json:"enabled"`
	ScheduleSupported bool            `json:"scheduleSupported,omitempty"`
	Schedules         []ScheduleEntry `json:"schedules"`
}

// Snapshot is the merged battery state assembled from the settings and
// schedules resources.
type Snapshot struct {
	FetchedAt time.Time               `json:"fetchedAt"`
	CFG       ModeControl             `json:"cfgControl"`
	DTG       ModeControl             `json:"dtgControl"`
	RBD       ModeControl             `json:"rbdControl"`
	Schedules map[Mode][]ScheduleEntry `json:"schedules,omitempty"`
}

// Control returns the control block for the given mode.
func (s *Snapshot) Control(m Mode) *ModeControl {
	switch m {
	case ModeChargeFromGrid:
		return &s.CFG
	case ModeDischargeToGrid:
		return &s.DTG
	case ModeRestrictDischarge:
		return &s.RBD
	}
	return nil
}

// Enabled reports whether the snapshot observes the mode as enabled.
func (s *Snapshot) Enabled(m Mode) bool {
	if c := s.Control(m); c != nil {
		return c.Enabled
	}
	return false
}

// ValidationResult is the vendor's feasibility answer for a schedule type. A
// rejection is a soft condition for the caller to surface, not an error.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}
