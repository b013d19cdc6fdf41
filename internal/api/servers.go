package api

import "net/http"

// @Title: Create Server
// @Route: POST /api/servers
// @Description: Registers a pending local server. The activation secret is returned once and never stored in plaintext
// @Response: {"id": "...", "name": "...", "address": "...", "activation_secret": "...", "message": "..."}
func (s *Service) HandleCreateServer(w http.ResponseWriter, r *http.Request) {
	s.createIdentity(w, r)
}

// @Title: Activate Server
// @Route: POST /api/servers/activate
// @Description: Consumes an activation secret and binds the submitted Ed25519 public key
// @Response: {"server_id": "...", "message": "Server activated successfully"}
func (s *Service) HandleActivateServer(w http.ResponseWriter, r *http.Request) {
	s.activateIdentity(w, r)
}

// @Title: List Servers
// @Route: GET /api/servers
// @Description: Lists all server identities. Requires X-Server-Id, X-Timestamp and X-Signature headers
// @Response: [Identity, ...]
func (s *Service) HandleListServers(w http.ResponseWriter, r *http.Request) {
	s.listIdentities(w, r)
}

// @Title: Get Server
// @Route: GET /api/servers/{id}
// @Description: Returns one server identity by record id. Requires signature headers
// @Response: Identity object, 404 when unknown
func (s *Service) HandleGetServer(w http.ResponseWriter, r *http.Request) {
	s.getIdentity(w, r)
}

// @Title: Current Server
// @Route: GET /api/servers/me
// @Description: Returns the identity of the signing server. Used by nodes to confirm their credentials
// @Response: Identity object
func (s *Service) HandleServerMe(w http.ResponseWriter, r *http.Request) {
	s.currentIdentity(w, r)
}
