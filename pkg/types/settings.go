package types

import (
	"fmt"
	"time"
)

// SiteIDNone is the site key used when the server runs in single-site mode.
const SiteIDNone = "default"

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the per-site configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause suspends the periodic poll for this site.
	Pause bool `json:"pause"`

	// Timezone used when computing schedule windows (IANA name).
	Timezone string `json:"timezone"`

	// PollIntervalMinutes overrides the default snapshot poll cadence.
	PollIntervalMinutes int `json:"pollIntervalMinutes"`

	// Credentials for the vendor cloud (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials for external systems
type Credentials struct {
	Enphase *EnphaseCredentials `json:"enphase,omitempty"`
}

// Has reports which credential sets are present without exposing them.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"enphase": c.Enphase != nil,
	}
}

// EnphaseCredentials holds the Enlighten web login plus the numeric
// identifiers discovered after the first successful login. Discovered IDs are
// written back here and persisted so they survive restarts; a value supplied
// by the operator is never overwritten by rediscovery.
type EnphaseCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	// UserID is the numeric Enlighten account id.
	UserID string `json:"userID,omitempty"`
	// BatteryID is the numeric site/battery id.
	BatteryID string `json:"batteryID,omitempty"`
}

// TokenCache is the durable session state for one credential set. Persisting
// it lets a restarted process reuse a live session instead of logging in
// again.
type TokenCache struct {
	JWT       string            `json:"jwt,omitempty"`
	XSRF      string            `json:"xsrf,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	JWTExpiry time.Time         `json:"jwtExpiry,omitempty"`
	UserID    string            `json:"userID,omitempty"`
	BatteryID string            `json:"batteryID,omitempty"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
		case 2:
			// version 2: add timezone, default to UTC
			if s.Timezone == "" {
				s.Timezone = "UTC"
				migrated = true
			}
		case 3:
			// version 3: add poll interval, default 5 minutes
			if s.PollIntervalMinutes == 0 {
				s.PollIntervalMinutes = 5
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
