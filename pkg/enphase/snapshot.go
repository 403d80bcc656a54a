package enphase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gridhelm/gridhelm/pkg/types"
)

// scheduleID is the vendor's opaque schedule identifier, returned as a JSON
// string by some endpoints and a number by others.
type scheduleID string

func (s *scheduleID) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = scheduleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = scheduleID(n.String())
	return nil
}

// scheduleDetail is one schedule row as the vendor returns it. Field names
// vary between the settings and schedules resources, so alternates are
// decoded alongside the canonical names.
type scheduleDetail struct {
	ScheduleID   scheduleID       `json:"scheduleId"`
	ScheduleType string           `json:"scheduleType"`
	StartTime    *types.ClockTime `json:"startTime"`
	EndTime      *types.ClockTime `json:"endTime"`
	Limit        int              `json:"limit"`
	PowerLimit   int              `json:"powerLimit"`
	Days         []int            `json:"days"`
	DaysOfWeek   []int            `json:"daysOfWeek"`
	DayOfWeek    []int            `json:"dayOfWeek"`
}

type controlBlock struct {
	Enabled           bool             `json:"enabled"`
	ScheduleSupported bool             `json:"scheduleSupported"`
	Schedules         []scheduleDetail `json:"schedules"`
}

// settingsData is the battery settings payload, possibly unwrapped from a
// "data" envelope. chargeFromGrid is a top-level flag, not part of
// cfgControl.
type settingsData struct {
	ChargeFromGrid bool          `json:"chargeFromGrid"`
	CfgControl     *controlBlock `json:"cfgControl"`
	DtgControl     *controlBlock `json:"dtgControl"`
	RbdControl     *controlBlock `json:"rbdControl"`
}

func parseSettingsPayload(raw []byte) (settingsData, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		raw = env.Data
	}
	var d settingsData
	if err := json.Unmarshal(raw, &d); err != nil {
		return settingsData{}, err
	}
	return d, nil
}

// modeSchedules accepts both the object form {"details": [...]} and a bare
// array.
type modeSchedules struct {
	Details []scheduleDetail `json:"details"`
}

func (m *modeSchedules) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &m.Details)
	}
	type alias modeSchedules
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*m = modeSchedules(a)
	return nil
}

// parseSchedulesPayload extracts the per-mode schedule lists from the
// schedules resource, which keys them by mode either at the top level or
// under a "data" envelope.
func parseSchedulesPayload(raw []byte) (map[string][]scheduleDetail, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}

	extract := func(src map[string]json.RawMessage) (map[string][]scheduleDetail, error) {
		out := make(map[string][]scheduleDetail)
		for _, mode := range types.Modes {
			b, ok := src[string(mode)]
			if !ok {
				continue
			}
			var ms modeSchedules
			if err := json.Unmarshal(b, &ms); err != nil {
				return nil, fmt.Errorf("failed to parse %s schedules: %w", mode, err)
			}
			out[string(mode)] = ms.Details
		}
		return out, nil
	}

	out, err := extract(top)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if data, ok := top["data"]; ok {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(data, &inner); err == nil {
				if out, err = extract(inner); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// entryOf normalizes one vendor schedule row.
func entryOf(d scheduleDetail, mode types.Mode) types.ScheduleEntry {
	typ := mode
	if d.ScheduleType != "" {
		if m, err := types.ParseMode(strings.ToLower(d.ScheduleType)); err == nil {
			typ = m
		}
	}
	limit := d.Limit
	if limit == 0 {
		limit = d.PowerLimit
	}
	days := d.Days
	if len(days) == 0 {
		days = d.DaysOfWeek
	}
	if len(days) == 0 {
		days = d.DayOfWeek
	}
	return types.ScheduleEntry{
		ID:    string(d.ScheduleID),
		Type:  typ,
		Start: d.StartTime,
		End:   d.EndTime,
		Limit: limit,
		Days:  types.NormalizeDays(days),
	}
}

// buildSnapshot merges the settings payload with the schedules resource.
// The settings control blocks report terse schedule rows, sometimes just
// null start/end with no id or limit, so matching rows from the schedules
// resource are overlaid positionally: times always win when present, and
// identity, limit, and days fill in wherever the settings row lacks them.
func buildSnapshot(s settingsData, schedules map[string][]scheduleDetail, now time.Time) types.Snapshot {
	snap := types.Snapshot{
		FetchedAt: now,
		Schedules: make(map[types.Mode][]types.ScheduleEntry),
	}

	blocks := map[types.Mode]*controlBlock{
		types.ModeChargeFromGrid:    s.CfgControl,
		types.ModeDischargeToGrid:   s.DtgControl,
		types.ModeRestrictDischarge: s.RbdControl,
	}

	for _, mode := range types.Modes {
		block := blocks[mode]
		real := schedules[string(mode)]

		var details []scheduleDetail
		if block != nil && len(block.Schedules) > 0 {
			details = make([]scheduleDetail, len(block.Schedules))
			copy(details, block.Schedules)
			for i := range details {
				if i >= len(real) {
					break
				}
				r := real[i]
				if r.StartTime != nil {
					details[i].StartTime = r.StartTime
				}
				if r.EndTime != nil {
					details[i].EndTime = r.EndTime
				}
				if details[i].ScheduleID == "" {
					details[i].ScheduleID = r.ScheduleID
				}
				if details[i].Limit == 0 && details[i].PowerLimit == 0 {
					details[i].Limit = r.Limit
					details[i].PowerLimit = r.PowerLimit
				}
				if len(details[i].Days) == 0 && len(details[i].DaysOfWeek) == 0 && len(details[i].DayOfWeek) == 0 {
					details[i].Days = r.Days
					details[i].DaysOfWeek = r.DaysOfWeek
					details[i].DayOfWeek = r.DayOfWeek
				}
			}
		} else {
			details = real
		}

		control := snap.Control(mode)
		if block != nil {
			control.Enabled = block.Enabled
			control.ScheduleSupported = block.ScheduleSupported
		}
		for _, d := range details {
			control.Schedules = append(control.Schedules, entryOf(d, mode))
		}

		// rows without an ID cannot be edited or deleted, so the normalized
		// view drops them
		for _, d := range details {
			if d.ScheduleID == "" {
				continue
			}
			snap.Schedules[mode] = append(snap.Schedules[mode], entryOf(d, mode))
		}
	}

	// chargeFromGrid is the authoritative cfg toggle
	snap.CFG.Enabled = s.ChargeFromGrid

	return snap
}
