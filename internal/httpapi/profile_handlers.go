package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lukasbauer/mendan/internal/profile"
)

type profilesResponse struct {
	Profiles []profile.Profile `json:"profiles"`
}

func (r *Router) handleListProfiles(w http.ResponseWriter, req *http.Request) {
	if r.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile storage not configured"})
		return
	}
	profiles, err := r.profiles.Load(req.Context())
	if err != nil {
		r.logger.Error().Err(err).Msg("load profiles failed")
		captureError(req, err, "profiles: load failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load profiles"})
		return
	}
	if profiles == nil {
		profiles = []profile.Profile{}
	}
	writeJSON(w, http.StatusOK, profilesResponse{Profiles: profiles})
}

func (r *Router) handleImportProfile(w http.ResponseWriter, req *http.Request) {
	if r.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile storage not configured"})
		return
	}
	var in profile.ImportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := in.Validate(); err != nil {
		msg := "invalid request"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = "invalid request: " + verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	p := profile.Import(in.Name, in.RawText, time.Now())

	r.profilesMu.Lock()
	defer r.profilesMu.Unlock()
	existing, err := r.profiles.Load(req.Context())
	if err != nil {
		r.logger.Error().Err(err).Msg("load profiles failed")
		captureError(req, err, "profiles: load failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load profiles"})
		return
	}
	if err := r.profiles.Save(req.Context(), profile.Upsert(existing, p)); err != nil {
		r.logger.Error().Err(err).Msg("save profiles failed")
		captureError(req, err, "profiles: save failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save profiles"})
		return
	}
	r.logger.Info().
		Str("profile_id", p.ID.String()).
		Int("keywords", len(p.Keywords)).
		Str("client", clientIDFromContext(req.Context())).
		Msg("profile imported")
	writeJSON(w, http.StatusCreated, p)
}
