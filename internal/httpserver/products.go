package httpserver

import (
	"net/http"

	"storefront/internal/catalog"
	"storefront/internal/upload"
)

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	items, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, items)
}

// handleCreateProduct accepts multipart (with an optional "image" file) or a
// urlencoded form.
func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileBytes+1<<20)
	err := r.ParseMultipartForm(formMemory)
	switch {
	case err == http.ErrNotMultipart:
		if err := r.ParseForm(); err != nil {
			s.writeError(w, r, parseBodyErr(err, "form"))
			return
		}
	case err != nil:
		s.writeError(w, r, parseBodyErr(err, "multipart body"))
		return
	default:
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	in := catalog.Input{
		Name:        r.PostFormValue("name"),
		Description: r.PostFormValue("description"),
		Price:       r.PostFormValue("price"),
		Category:    r.PostFormValue("category"),
		Rating:      r.PostFormValue("rating"),
	}
	if r.MultipartForm != nil {
		if fhs := r.MultipartForm.File["image"]; len(fhs) > 0 {
			f := upload.FromMultipart(fhs[:1])[0]
			in.Image = &f
		}
	}

	p, err := s.catalog.Add(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, p)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if _, err := s.catalog.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}
