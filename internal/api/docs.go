package api

import (
	"errors"
	"net/http"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/docs"
)

// @Title: List Docs
// @Route: GET /api/docs
// @Description: Lists the AsciiDoc documents available for rendering
// @Response: ["api-reference.adoc", "protocol.adoc"]
func (s *Service) HandleDocsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.docs.ListDocs()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// @Title: Render Doc
// @Route: GET /api/docs/{name}
// @Description: Renders one AsciiDoc document to an HTML fragment
// @Response: text/html
func (s *Service) HandleDoc(w http.ResponseWriter, r *http.Request) {
	html, err := s.docs.GetDoc(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, docs.ErrNotFound) {
			err = apierr.New(apierr.KindNotFound, "document not found")
		}
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
