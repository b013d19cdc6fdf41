package api

import (
	"net/http"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/types"
)

type setupRequest struct {
	ActivationSecret string `json:"activation_secret"`
}

// @Title: Activate Node
// @Route: POST /api/setup
// @Description: Generates this node's key pair and activates it against the authority with a one-time secret
// @Response: {"server_id": "...", "message": "Node activated successfully"}
func (s *Service) HandleSetup(w http.ResponseWriter, r *http.Request) {
	if s.claimant == nil {
		s.writeError(w, r, apierr.New(apierr.KindNotFound, "setup is only available on nodes"))
		return
	}

	var req setupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	externalID, err := s.claimant.ActivateSelf(r.Context(), req.ActivationSecret)
	if err != nil {
		// retryable tells the operator whether the same secret is worth
		// submitting again or a new one must be issued.
		s.writeJSON(w, apierr.StatusOf(err), map[string]any{
			"error":     apierr.MessageOf(err),
			"kind":      string(apierr.KindOf(err)),
			"retryable": apierr.Retryable(err),
		})
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		endpointFor(types.FlavorServer).IDField: externalID,
		"message":                               "Node activated successfully",
	})
}

// @Title: Setup Status
// @Route: GET /api/setup/status
// @Description: Reports whether this node is activated and whether the authority accepts its signed requests
// @Response: {"activated": true, "server_id": "...", "cloud_verified": true}
func (s *Service) HandleSetupStatus(w http.ResponseWriter, r *http.Request) {
	if s.claimant == nil {
		s.writeError(w, r, apierr.New(apierr.KindNotFound, "setup is only available on nodes"))
		return
	}

	creds, err := s.claimant.Current()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if creds == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"activated": false})
		return
	}

	resp := map[string]any{
		"activated": true,
		"server_id": creds.ExternalID,
	}

	var me types.Identity
	if err := s.upstream.Do(r.Context(), http.MethodGet, "/api/servers/me", nil, &me); err != nil {
		s.logger.Warn("authority did not confirm credentials", "kind", apierr.KindOf(err), "error", err)
		resp["cloud_verified"] = false
		resp["cloud_error"] = string(apierr.KindOf(err))
	} else {
		resp["cloud_verified"] = me.ExternalID == creds.ExternalID
	}

	s.writeJSON(w, http.StatusOK, resp)
}
