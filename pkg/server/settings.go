package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridhelm/gridhelm/pkg/enphase"
	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/timed"
	"github.com/gridhelm/gridhelm/pkg/types"
)

type settingsWithVersion struct {
	types.Settings
	version int
}

func (s *Server) getSettingsWithMigration(ctx context.Context, siteID string) (settingsWithVersion, types.Credentials, error) {
	settings, version, err := s.storage.GetSettings(ctx, siteID)
	if err != nil {
		return settingsWithVersion{}, types.Credentials{}, err
	}
	sv := settingsWithVersion{
		Settings: settings,
		version:  version,
	}

	// Check for migration
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			sv.Settings = newSettings
			sv.version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, siteID, newSettings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
				// Return migrated settings even if save failed, so current request works with new defaults
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}

	var creds types.Credentials
	if len(settings.EncryptedCredentials) > 0 {
		creds, err = s.decryptCredentials(ctx, settings.EncryptedCredentials)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
			return settingsWithVersion{}, types.Credentials{}, err
		}
	}

	return sv, creds, nil
}

// getService returns an authenticated vendor service for the site. When the
// service discovers identifiers during authentication the updated credentials
// are re-encrypted and persisted so the discovery only happens once.
func (s *Server) getService(ctx context.Context, siteID string, settings settingsWithVersion, creds types.Credentials) (enphase.Service, error) {
	svc, err := s.enphase.Site(ctx, siteID, settings.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to get vendor service: %w", err)
	}

	newCreds, updated, err := svc.Authenticate(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	if updated {
		log.Ctx(ctx).DebugContext(ctx, "credentials updated by vendor service")
		settings.EncryptedCredentials, err = s.encryptCredentials(ctx, newCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
		} else {
			if err := s.storage.SetSettings(ctx, siteID, settings.Settings, settings.version); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
			}
		}
	}

	return svc, nil
}

// getController returns the timed mode controller for the site, backed by an
// authenticated vendor service.
func (s *Server) getController(ctx context.Context, siteID string) (*timed.Controller, error) {
	settings, creds, err := s.getSettingsWithMigration(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	svc, err := s.getService(ctx, siteID, settings, creds)
	if err != nil {
		return nil, err
	}
	return s.timed.Site(siteID, svc, settings.Settings), nil
}

// SettingsRes is the response type for GetSettings
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	settings, creds, err := s.getSettingsWithMigration(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	// remove encrypted credentials from response
	settings.EncryptedCredentials = nil

	resp := SettingsRes{
		Settings:       settings.Settings,
		HasCredentials: creds.Has(),
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		types.Settings
		Credentials *types.Credentials `json:"credentials,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	newSettings := req.Settings

	if newSettings.PollIntervalMinutes < 1 {
		writeJSONError(w, "poll interval must be at least 1 minute", http.StatusBadRequest)
		return
	}
	if newSettings.Timezone != "" {
		if _, err := time.LoadLocation(newSettings.Timezone); err != nil {
			writeJSONError(w, fmt.Sprintf("invalid timezone: %v", err), http.StatusBadRequest)
			return
		}
	}

	// Get existing credentials to preserve other fields
	existing, _, err := s.storage.GetSettings(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	// Handle credentials update
	if req.Credentials != nil && req.Credentials.Enphase != nil {
		var existingCreds types.Credentials
		if len(existing.EncryptedCredentials) > 0 {
			existingCreds, err = s.decryptCredentials(ctx, existing.EncryptedCredentials)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
				writeJSONError(w, "failed to decrypt credentials", http.StatusInternalServerError)
				return
			}
		}

		// an empty password means keep the stored one
		if req.Credentials.Enphase.Password == "" && existingCreds.Enphase != nil {
			req.Credentials.Enphase.Password = existingCreds.Enphase.Password
		}
		existingCreds.Enphase = req.Credentials.Enphase

		// verify the credentials before persisting them
		svc, err := s.enphase.Site(ctx, siteID, newSettings)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get vendor service", slog.Any("error", err))
			writeJSONError(w, fmt.Sprintf("failed to get vendor service: %v", err), http.StatusInternalServerError)
			return
		}
		existingCreds, _, err = svc.Authenticate(ctx, existingCreds)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to verify credentials", slog.Any("error", err))
			writeJSONError(w, fmt.Sprintf("failed to verify credentials: %v", err), http.StatusBadRequest)
			return
		}

		encrypted, err := s.encryptCredentials(ctx, existingCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
			writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
			return
		}
		newSettings.EncryptedCredentials = encrypted
	} else {
		// Preserve existing encrypted credentials if not updating
		newSettings.EncryptedCredentials = existing.EncryptedCredentials
	}

	if err := s.storage.SetSettings(ctx, siteID, newSettings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	w.WriteHeader(http.StatusOK)
}
