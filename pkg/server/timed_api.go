package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/types"
)

func (s *Server) handleTimedList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	controller, err := s.getController(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get timed controller", slog.Any("error", err))
		writeJSONError(w, "failed to get timed controller", http.StatusInternalServerError)
		return
	}

	active := controller.Active()
	if active == nil {
		active = []types.ActiveTimedMode{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, active)
}

func (s *Server) handleTimedEnable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		Mode    types.Mode `json:"mode"`
		Minutes int        `json:"minutes"`
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
	if req.Minutes < 1 {
		writeJSONError(w, "minutes must be at least 1", http.StatusBadRequest)
		return
	}

	controller, err := s.getController(ctx, s.getSiteID(r))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get timed controller", slog.Any("error", err))
		writeJSONError(w, "failed to get timed controller", http.StatusInternalServerError)
		return
	}

	active, err := controller.Enable(ctx, mode, req.Minutes)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to enable timed mode",
			slog.String("mode", string(mode)), slog.Int("minutes", req.Minutes), slog.Any("error", err))
		writeJSONError(w, "failed to enable timed mode", http.StatusBadGateway)
		return
	}

	s.poller.Invalidate(s.getSiteID(r))
	writeJSON(w, active)
}

func (s *Server) handleTimedCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		// Mode is optional; empty cancels every active timed mode.
		Mode types.Mode `json:"mode,omitempty"`
		// DisableMode defaults to true; pass false to keep the mode running
		// and only drop the timer and temporary schedule.
		DisableMode *bool `json:"disableMode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	disable := req.DisableMode == nil || *req.DisableMode

	controller, err := s.getController(ctx, s.getSiteID(r))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get timed controller", slog.Any("error", err))
		writeJSONError(w, "failed to get timed controller", http.StatusInternalServerError)
		return
	}

	var cancelled bool
	if req.Mode == "" {
		controller.CancelAll(ctx, disable)
		cancelled = true
	} else {
		mode, err := types.ParseMode(string(req.Mode))
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		cancelled = controller.Cancel(ctx, mode, disable)
	}

	s.poller.Invalidate(s.getSiteID(r))
	writeJSON(w, struct {
		Cancelled bool `json:"cancelled"`
	}{Cancelled: cancelled})
}
