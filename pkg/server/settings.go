package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/raterudder/evsync/pkg/coordinator"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// errBadSettings marks a settings body that could not be decoded.
var errBadSettings = errors.New("invalid settings body")

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.coord.Settings(r.PathValue("site"))
	if siteError(w, r, err) {
		return
	}
	settings.EncryptedCredentials = nil
	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings merges the fields in the body over the stored
// settings. Credentials are never changed through here.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	settings, err := s.coord.UpdateSettings(ctx, r.PathValue("site"), func(st *types.Settings) error {
		encrypted := st.EncryptedCredentials
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(st); err != nil {
			return errors.Join(errBadSettings, err)
		}
		st.EncryptedCredentials = encrypted
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrUnknownSite):
		writeJSONError(w, "site not found", http.StatusNotFound)
		return
	case errors.Is(err, errBadSettings):
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	case errors.Is(err, coordinator.ErrInvalidSettings):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to update settings", slog.Any("error", err))
		writeJSONError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}
	settings.EncryptedCredentials = nil
	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateCredentials stores new cloud credentials for a site and ends a
// reauth pause.
func (s *Server) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := r.PathValue("site")

	var creds types.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if creds.Empty() {
		writeJSONError(w, "authToken or cookie is required", http.StatusBadRequest)
		return
	}

	encrypted, err := s.creds.encrypt(ctx, creds)
	if err != nil {
		writeJSONError(w, "failed to store credentials", http.StatusInternalServerError)
		return
	}
	_, err = s.coord.UpdateSettings(ctx, siteID, func(st *types.Settings) error {
		st.EncryptedCredentials = encrypted
		return nil
	})
	if siteError(w, r, err) {
		return
	}
	s.creds.Invalidate(siteID)
	if err := s.coord.UpdateCredentials(ctx, siteID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply credentials", slog.Any("error", err))
		writeJSONError(w, "failed to apply credentials", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "credentials updated", slog.String("siteID", siteID))

	_, reauth, err := s.coord.Health(siteID)
	if siteError(w, r, err) {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ReauthRequired bool `json:"reauthRequired"`
	}{ReauthRequired: reauth})
}
