package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/raterudder/evsync/pkg/coordinator"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// maxSessionRange bounds a session query.
const maxSessionRange = 31 * 24 * time.Hour

type siteSummary struct {
	SiteID         string    `json:"siteID"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Pass           uint64    `json:"pass"`
	Chargers       []string  `json:"chargers"`
	Cadence        string    `json:"cadence,omitempty"`
	ReauthRequired bool      `json:"reauthRequired"`
}

// siteError writes the error of a site lookup. It returns false if there was
// no error.
func siteError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, coordinator.ErrUnknownSite) {
		writeJSONError(w, "site not found", http.StatusNotFound)
		return true
	}
	log.Ctx(r.Context()).ErrorContext(r.Context(), "site request failed", slog.Any("error", err))
	writeJSONError(w, "internal error", http.StatusInternalServerError)
	return true
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	ids := s.coord.Sites()
	out := make([]siteSummary, 0, len(ids))
	for _, id := range ids {
		snap, err := s.coord.Snapshot(id)
		if err != nil {
			// removed between the two calls
			continue
		}
		chargers := make([]string, 0, len(snap.Chargers))
		for serial := range snap.Chargers {
			chargers = append(chargers, serial)
		}
		sort.Strings(chargers)
		out = append(out, siteSummary{
			SiteID:         id,
			UpdatedAt:      snap.UpdatedAt,
			Pass:           snap.Pass,
			Chargers:       chargers,
			Cadence:        snap.Cadence,
			ReauthRequired: snap.ReauthRequired,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.Snapshot(r.PathValue("site"))
	if siteError(w, r, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type healthResponse struct {
	Sources        []types.SourceHealth `json:"sources"`
	ReauthRequired bool                 `json:"reauthRequired"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sources, reauth, err := s.coord.Health(r.PathValue("site"))
	if siteError(w, r, err) {
		return
	}
	if sources == nil {
		sources = []types.SourceHealth{}
	}
	writeJSON(w, http.StatusOK, healthResponse{Sources: sources, ReauthRequired: reauth})
}

// handleSessions returns persisted sessions that started in the range plus
// any session that is still open.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := r.PathValue("site")
	snap, err := s.coord.Snapshot(siteID)
	if siteError(w, r, err) {
		return
	}
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	sessions, err := s.storage.GetSessions(ctx, siteID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get sessions", slog.Any("error", err))
		writeJSONError(w, "failed to get sessions", http.StatusInternalServerError)
		return
	}

	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		seen[sess.Serial+"/"+sess.ID] = true
	}
	for _, sess := range snap.Sessions {
		if !sess.Open() || seen[sess.Serial+"/"+sess.ID] {
			continue
		}
		if sess.Start.Before(end) {
			sessions = append(sessions, sess)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].Start.Before(sessions[j].Start) })
	if sessions == nil {
		sessions = []types.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// parseTimeRange reads start and end as RFC3339. Missing values default to
// the last 7 days.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	end := now
	if endStr != "" {
		var err error
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
	}
	start := end.Add(-7 * 24 * time.Hour)
	if startStr != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}
	if end.Sub(start) > maxSessionRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %d days", int(maxSessionRange.Hours()/24))
	}
	return start, end, nil
}
