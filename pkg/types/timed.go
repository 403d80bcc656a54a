package types

import "time"

// TimedActivation is the durable record of one "enable mode M for D minutes"
// request. At most one activation exists per mode per site.
type TimedActivation struct {
	ID string `json:"id"`
	// Mode being temporarily enabled.
	Mode Mode `json:"mode"`
	// ScheduleID is set only when the activation created a temporary vendor
	// schedule; bare toggles leave it empty.
	ScheduleID string    `json:"scheduleID,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Label      string    `json:"label"`
}

// ActiveTimedMode is the read-side view of a still-running activation.
type ActiveTimedMode struct {
	Mode             Mode      `json:"mode"`
	Label            string    `json:"label"`
	RemainingMinutes int       `json:"remainingMinutes"`
	ExpiresAt        time.Time `json:"expiresAt"`
	ScheduleID       string    `json:"scheduleID,omitempty"`
}

// Action is one audit entry for a mutating vendor call.
type Action struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// Kind is the operation, e.g. "set_mode", "add_schedule".
	Kind   string `json:"kind"`
	Mode   Mode   `json:"mode,omitempty"`
	Detail string `json:"detail,omitempty"`
}
