package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/evsync/pkg/coordinator"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

type commandResponse struct {
	Outcome types.Outcome `json:"outcome"`
	HoldID  string        `json:"holdID,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// outcomeStatus maps a command outcome to the HTTP status of the response.
func outcomeStatus(res types.CommandResult) int {
	switch res.Outcome {
	case types.OutcomeAccepted, types.OutcomeNoop, types.OutcomePendingHold:
		return http.StatusOK
	case types.OutcomeUnconfirmed:
		return http.StatusAccepted
	case types.OutcomePreconditionFailed:
		return http.StatusConflict
	}
	switch {
	case errors.Is(res.Err, coordinator.ErrUnknownSite):
		return http.StatusNotFound
	case errors.Is(res.Err, coordinator.ErrReauthRequired):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := r.PathValue("site")
	serial := r.PathValue("serial")

	var cmd types.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if cmd.Kind == "" {
		writeJSONError(w, "kind is required", http.StatusBadRequest)
		return
	}

	res := s.coord.Issue(ctx, siteID, serial, cmd)
	log.Ctx(ctx).InfoContext(ctx, "command issued",
		slog.String("siteID", siteID),
		slog.String("serial", serial),
		slog.String("command", string(cmd.Kind)),
		slog.String("outcome", string(res.Outcome)),
	)
	writeJSON(w, outcomeStatus(res), commandResponse{
		Outcome: res.Outcome,
		HoldID:  res.HoldID,
		Reason:  res.Reason,
		Error:   res.Error(),
	})
}

type liveStreamRequest struct {
	Enabled bool `json:"enabled"`
}

type liveStreamResponse struct {
	Enabled bool       `json:"enabled"`
	Until   *time.Time `json:"until,omitempty"`
}

func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req liveStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	until, err := s.coord.SetLiveStream(ctx, r.PathValue("site"), req.Enabled)
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrUnknownSite):
		writeJSONError(w, "site not found", http.StatusNotFound)
		return
	case errors.Is(err, coordinator.ErrReauthRequired):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		log.Ctx(ctx).WarnContext(ctx, "failed to set live stream", slog.Any("error", err))
		writeJSONError(w, "failed to set live stream", http.StatusBadGateway)
		return
	}

	resp := liveStreamResponse{Enabled: req.Enabled}
	if req.Enabled {
		resp.Until = &until
	}
	writeJSON(w, http.StatusOK, resp)
}
