package api

import "net/http"

// @Title: Create Tablet
// @Route: POST /api/tablets
// @Description: Registers a pending tablet with a short activation code that expires after tablet_code_ttl
// @Response: {"id": "...", "name": "...", "activation_code": "...", "expires_at": "...", "message": "..."}
func (s *Service) HandleCreateTablet(w http.ResponseWriter, r *http.Request) {
	s.createIdentity(w, r)
}

// @Title: Activate Tablet
// @Route: POST /api/tablets/activate
// @Description: Consumes a tablet activation code and binds the submitted Ed25519 public key
// @Response: {"tablet_id": "...", "message": "Tablet activated successfully"}
func (s *Service) HandleActivateTablet(w http.ResponseWriter, r *http.Request) {
	s.activateIdentity(w, r)
}

// @Title: List Tablets
// @Route: GET /api/tablets
// @Description: Lists all tablet identities. Requires X-Tablet-Id, X-Timestamp and X-Signature headers
// @Response: [Identity, ...]
func (s *Service) HandleListTablets(w http.ResponseWriter, r *http.Request) {
	s.listIdentities(w, r)
}

// @Title: Get Tablet
// @Route: GET /api/tablets/{id}
// @Description: Returns one tablet identity by record id. Requires signature headers
// @Response: Identity object, 404 when unknown
func (s *Service) HandleGetTablet(w http.ResponseWriter, r *http.Request) {
	s.getIdentity(w, r)
}

// @Title: Current Tablet
// @Route: GET /api/tablets/me
// @Description: Returns the identity of the signing tablet
// @Response: Identity object
func (s *Service) HandleTabletMe(w http.ResponseWriter, r *http.Request) {
	s.currentIdentity(w, r)
}
