package httpserver

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"storefront/internal/fsutil"
	"storefront/internal/gallery"
)

const (
	thumbWidth   = 256
	thumbQuality = 80
)

// handleThumb serves a small JPEG preview of an image under the root,
// cached on disk by path and mtime.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	if rel == "" || hiddenPath(rel) || !gallery.IsImageExt(filepath.Ext(rel)) {
		http.NotFound(w, r)
		return
	}
	abs, err := fsutil.JoinWithinRoot(s.cfg.ImagesDir, rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	st, err := os.Stat(abs)
	if err != nil || !st.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	thumbPath := filepath.Join(s.thumbDir, thumbKey(rel, st.ModTime()))
	if b, err := os.ReadFile(thumbPath); err == nil {
		writeThumb(w, b)
		return
	}

	b, err := s.uploads.Thumb(r.Context(), abs, thumbWidth, thumbQuality)
	if err != nil {
		s.logger.Debug("thumbnail failed", zap.String("path", rel), zap.Error(err))
		http.NotFound(w, r)
		return
	}
	if err := fsutil.WriteFileAtomic(thumbPath, b, 0o644); err != nil {
		s.logger.Warn("thumbnail cache write failed", zap.String("path", thumbPath), zap.Error(err))
	}
	writeThumb(w, b)
}

func writeThumb(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

// thumbKey names the cache entry for rel as last modified at mtime.
func thumbKey(rel string, mtime time.Time) string {
	sum := sha256.Sum256([]byte(rel))
	return fmt.Sprintf("%x-%d.jpg", sum[:16], mtime.UnixNano())
}
