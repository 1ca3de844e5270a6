package server

import (
	"log/slog"
	"net/http"

	"github.com/raterudder/evsync/pkg/log"
)

type updateResponse struct {
	Sites  []string          `json:"sites"`
	Errors map[string]string `json:"errors,omitempty"`
}

// handleUpdate runs a pass for every site right away. Sites with a pass in
// progress are skipped.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	errs := s.coord.PassAll(ctx)

	resp := updateResponse{Sites: s.coord.Sites()}
	if len(errs) > 0 {
		resp.Errors = make(map[string]string, len(errs))
		for siteID, err := range errs {
			log.Ctx(ctx).ErrorContext(ctx, "pass failed", slog.String("siteID", siteID), slog.Any("error", err))
			resp.Errors[siteID] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
