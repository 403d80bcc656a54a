package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gridhelm/gridhelm/pkg/enphase"
	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/types"
)

// siteService resolves the authenticated vendor service for the request's
// site, writing the error response itself on failure.
func (s *Server) siteService(w http.ResponseWriter, r *http.Request) (enphase.Service, string, bool) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	settings, creds, err := s.getSettingsWithMigration(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return nil, "", false
	}

	svc, err := s.getService(ctx, siteID, settings, creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get vendor service", slog.Any("error", err))
		if enphase.IsAuthError(err) {
			writeJSONError(w, fmt.Sprintf("vendor authentication failed: %v", err), http.StatusBadGateway)
		} else {
			writeJSONError(w, "failed to get vendor service", http.StatusInternalServerError)
		}
		return nil, "", false
	}
	return svc, siteID, true
}

func (s *Server) recordAction(ctx context.Context, siteID, kind string, mode types.Mode, detail string) {
	action := types.Action{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Mode:      mode,
		Detail:    detail,
	}
	if err := s.storage.InsertAction(ctx, siteID, action); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record action", slog.Any("error", err))
	}
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	// the poller keeps the cache warm, so only hit the vendor on a miss or an
	// explicit refresh
	if r.URL.Query().Get("refresh") == "" {
		if snap, ok := s.poller.Latest(siteID); ok {
			w.Header().Set("Cache-Control", "no-store")
			writeJSON(w, snap)
			return
		}
	}

	svc, siteID, ok := s.siteService(w, r)
	if !ok {
		return
	}
	snap, err := svc.FetchSnapshot(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch snapshot", slog.Any("error", err))
		writeJSONError(w, "failed to fetch snapshot", http.StatusBadGateway)
		return
	}
	s.poller.Store(siteID, snap)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, snap)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		Mode    types.Mode    `json:"mode"`
		Enabled bool          `json:"enabled"`
		Window  *types.Window `json:"window,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := types.ParseMode(string(req.Mode))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	svc, siteID, ok := s.siteService(w, r)
	if !ok {
		return
	}
	if err := svc.SetMode(ctx, mode, req.Enabled, req.Window); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set mode",
			slog.String("mode", string(mode)), slog.Bool("enabled", req.Enabled), slog.Any("error", err))
		writeJSONError(w, "failed to set mode", http.StatusBadGateway)
		return
	}

	s.recordAction(ctx, siteID, "set_mode", mode, fmt.Sprintf("enabled=%t", req.Enabled))
	s.poller.Invalidate(siteID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	if snap, ok := s.poller.Latest(siteID); ok && r.URL.Query().Get("refresh") == "" {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, snap.Schedules)
		return
	}

	svc, siteID, ok := s.siteService(w, r)
	if !ok {
		return
	}
	snap, err := svc.FetchSnapshot(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch schedules", slog.Any("error", err))
		writeJSONError(w, "failed to fetch schedules", http.StatusBadGateway)
		return
	}
	s.poller.Store(siteID, snap)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, snap.Schedules)
}

type scheduleIDResponse struct {
	ScheduleID string `json:"scheduleId"`
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		Schedule types.ScheduleRequest `json:"schedule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Schedule.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	svc, siteID, ok := s.siteService(w, r)
	if !ok {
		return
	}
	id, err := svc.AddSchedule(ctx, req.Schedule)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to add schedule", slog.Any("error", err))
		writeJSONError(w, "failed to add schedule", http.StatusBadGateway)
		return
	}

	s.recordAction(ctx, siteID, "add_schedule", req.Schedule.Mode,
		fmt.Sprintf("%s-%s id=%s", req.Schedule.Start, req.Schedule.End, id))
	s.poller.Invalidate(siteID)
	writeJSON(w, scheduleIDResponse{ScheduleID: id})
}

// handleUpdateSchedule edits a schedule as a delete followed by a recreate,
// since the vendor API has no in-place update.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		ScheduleID string                `json:"scheduleId"`
		Schedule   types.ScheduleRequest `json:"schedule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ScheduleID == "" {
		writeJSONError(w, "scheduleId is required", http.StatusBadRequest)
		return
	}
	if err := req.Schedule.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	svc, siteID, ok := s.siteService(w, r)
	if !ok {
		return
	}
	if err := svc.DeleteSchedule(ctx, req.ScheduleID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete schedule for update",
			slog.String("scheduleID", req.ScheduleID), slog.Any("error", err))
		writeJSONError(w, "failed to delete schedule", http.StatusBadGateway)
		return
	}
	id, err := svc.AddSchedule(ctx, req.Schedule)
	if err != nil {
		// the old schedule is already gone at this point
		log.Ctx(ctx).ErrorContext(ctx, "failed to recreate schedule after delete",
			slog.String("scheduleID", req.ScheduleID), slog.Any("error", err))
		writeJSONError(w, "failed to recreate schedule", http.StatusBadGateway)
		return
	}

	s.recordAction(ctx, siteID, "update_schedule", req.Schedule.Mode,
		fmt.Sprintf("replaced %s with %s", req.ScheduleID, id))
	s.poller.Invalidate(siteID)
	writeJSON(w, scheduleIDResponse{ScheduleID: id})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		ScheduleID string `json:"scheduleId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ScheduleID == "" {
		writeJSONError(w, "scheduleId is required", http.StatusBadRequest)
		return
	}

	svc, siteID, ok := s.siteService(w, r)
	if !ok {
		return
	}
	if err := svc.DeleteSchedule(ctx, req.ScheduleID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete schedule",
			slog.String("scheduleID", req.ScheduleID), slog.Any("error", err))
		writeJSONError(w, "failed to delete schedule", http.StatusBadGateway)
		return
	}

	s.recordAction(ctx, siteID, "delete_schedule", "", "id="+req.ScheduleID)
	s.poller.Invalidate(siteID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleValidateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Mode       types.Mode `json:"scheduleType"`
		ForceOpted bool       `json:"forceScheduleOpted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := types.ParseMode(string(req.Mode))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	svc, _, ok := s.siteService(w, r)
	if !ok {
		return
	}
	result, err := svc.ValidateSchedule(ctx, mode, req.ForceOpted)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to validate schedule",
			slog.String("mode", string(mode)), slog.Any("error", err))
		writeJSONError(w, "failed to validate schedule", http.StatusBadGateway)
		return
	}

	// a rejection is a normal response, not an error
	writeJSON(w, result)
}
