package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/identities"
	"nodetrust.mini/ntm/internal/types"
	"nodetrust.mini/ntm/internal/verify"
)

type createRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (s *Service) createIdentity(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pending, err := s.issuer.CreatePending(r.Context(), req.Name, req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flavor := s.Flavor()
	resp := map[string]any{
		"id":                            pending.Identity.ID,
		"name":                          pending.Identity.Name,
		endpointFor(flavor).SecretField: pending.Secret,
	}
	if pending.Identity.Address != "" {
		resp["address"] = pending.Identity.Address
	}
	if exp := pending.Identity.ActivationExpiresAt; exp != nil {
		resp["expires_at"] = exp.Format(time.RFC3339)
		resp["message"] = fmt.Sprintf("%s created. Activation code expires in %s.",
			displayName(flavor), exp.Sub(pending.Identity.CreatedAt).Round(time.Second))
	} else {
		resp["message"] = fmt.Sprintf("%s created. Save the %s, it will not be shown again.",
			displayName(flavor), endpointFor(flavor).SecretField)
	}

	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Service) activateIdentity(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	flavor := s.Flavor()
	ep := endpointFor(flavor)
	externalID, err := s.issuer.Activate(r.Context(), req[ep.SecretField], req["public_key"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		ep.IDField: externalID,
		"message":  fmt.Sprintf("%s activated successfully", displayName(flavor)),
	})
}

func (s *Service) listIdentities(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context(), s.Flavor())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Service) getIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := s.store.GetByID(r.Context(), s.Flavor(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, identities.ErrNotFound) {
			err = apierr.New(apierr.KindNotFound, string(s.Flavor())+" not found")
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, identity)
}

func (s *Service) currentIdentity(w http.ResponseWriter, r *http.Request) {
	identity, ok := verify.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, apierr.ErrMissingHeaders)
		return
	}
	s.writeJSON(w, http.StatusOK, identity)
}

func displayName(flavor types.Flavor) string {
	if flavor == types.FlavorTablet {
		return "Tablet"
	}
	return "Server"
}
