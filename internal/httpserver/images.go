package httpserver

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"storefront/internal/errs"
	"storefront/internal/fsutil"
	"storefront/internal/upload"
)

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	names, err := s.gallery.List(r.Context())
	if err != nil {
		s.writeError(w, r, errs.Processing(err, "list failed"))
		return
	}
	writeJSON(w, names)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gallery.History(r.Context())
	if err != nil {
		s.writeError(w, r, errs.Processing(err, "history failed"))
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleDiskInfo(w http.ResponseWriter, r *http.Request) {
	u, err := s.gallery.Usage(r.Context())
	if err != nil {
		s.writeError(w, r, errs.Processing(err, "disk usage failed"))
		return
	}
	writeJSON(w, u)
}

type uploadResult struct {
	OriginalName string `json:"originalName"`
	StoredName   string `json:"storedName,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleUpload answers 200 when at least one file was stored. When every file
// failed the status is that of the first failure.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBody())
	if err := r.ParseMultipartForm(formMemory); err != nil {
		s.writeError(w, r, parseBodyErr(err, "multipart body"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := upload.FromMultipart(formFiles(r.MultipartForm, "images"))
	outcomes, err := s.uploads.Store(r.Context(), upload.Gallery, files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results := make([]uploadResult, len(outcomes))
	status := 0
	for i, o := range outcomes {
		results[i] = uploadResult{OriginalName: o.OriginalName, StoredName: o.StoredName}
		if o.OK() {
			status = http.StatusOK
			continue
		}
		results[i].Error = errs.Message(o.Err)
		if status == 0 {
			status = errs.KindOf(o.Err).Status()
		}
	}
	writeJSONStatus(w, status, map[string]any{"results": results})
}

func (s *Server) handleDeleteImages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		Filenames []string `json:"filenames"`
		Filename  string   `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, parseBodyErr(err, "json body"))
		return
	}
	names := req.Filenames
	if req.Filename != "" {
		names = append(names, req.Filename)
	}
	if len(names) == 0 {
		s.writeError(w, r, errs.Validation("no filenames given"))
		return
	}
	writeJSON(w, s.uploads.Remove(upload.Gallery, names))
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.RemoveOne(upload.Gallery, r.PathValue("filename")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := &s.uploads.Metrics
	writeJSON(w, map[string]int64{
		"uploads":      m.Uploads.Load(),
		"failures":     m.Failures.Load(),
		"bytesWritten": m.BytesWritten.Load(),
		"deletes":      m.Deletes.Load(),
	})
}

// handleFile serves the image tree with Range support. Dotfiles (commit
// temp files among them) are never served.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Path)
	if rel == "" || hiddenPath(rel) {
		http.NotFound(w, r)
		return
	}
	abs, err := fsutil.JoinWithinRoot(s.cfg.ImagesDir, rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func hiddenPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
