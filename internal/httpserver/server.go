package httpserver

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"storefront/internal/auth"
	"storefront/internal/catalog"
	"storefront/internal/config"
	"storefront/internal/errs"
	"storefront/internal/gallery"
	"storefront/internal/upload"
)

type Options struct {
	Config  config.Config
	Gate    *auth.Gate
	Uploads *upload.Manager
	Catalog *catalog.Service
	Gallery *gallery.Index
	Logger  *zap.Logger
}

type Server struct {
	cfg     config.Config
	gate    *auth.Gate
	uploads *upload.Manager
	catalog *catalog.Service
	gallery *gallery.Index
	logger  *zap.Logger

	thumbDir string
}

func New(opts Options) (*Server, error) {
	if opts.Gate == nil || opts.Uploads == nil || opts.Catalog == nil || opts.Gallery == nil {
		return nil, errors.New("httpserver: gate, uploads, catalog and gallery are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      opts.Config,
		gate:     opts.Gate,
		uploads:  opts.Uploads,
		catalog:  opts.Catalog,
		gallery:  opts.Gallery,
		logger:   logger,
		thumbDir: filepath.Join(opts.Config.DataDir, "thumbs"),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	admin := func(h http.HandlerFunc) http.Handler { return s.gate.RequireAdmin(h) }

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// gallery
	mux.HandleFunc("GET /api/images", s.handleListImages)
	mux.Handle("GET /api/images/history", admin(s.handleHistory))
	mux.Handle("GET /api/disk-info", admin(s.handleDiskInfo))
	mux.Handle("POST /api/upload", admin(s.handleUpload))
	mux.Handle("DELETE /api/images", admin(s.handleDeleteImages))
	mux.Handle("DELETE /api/images/{filename}", admin(s.handleDeleteImage))
	mux.Handle("GET /api/metrics", admin(s.handleMetrics))

	// catalog
	mux.HandleFunc("GET /api/products", s.handleListProducts)
	mux.Handle("POST /api/products", admin(s.handleCreateProduct))
	mux.Handle("DELETE /api/products/{id}", admin(s.handleDeleteProduct))

	// static images and thumbnails
	prefix := strings.TrimSuffix(s.cfg.ImagesURLPrefix, "/") + "/"
	mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.HandlerFunc(s.handleFile)))
	mux.HandleFunc("GET /thumb", s.handleThumb)

	// read-only WebDAV over the image root for admins
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: webdav.Dir(s.cfg.ImagesDir),
		LockSystem: webdav.NewMemLS(),
	}
	mux.Handle("/dav/", admin(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET", "HEAD", "OPTIONS", "PROPFIND":
			dav.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS, PROPFIND")
			http.Error(w, "read-only", http.StatusMethodNotAllowed)
		}
	}))

	return requestLog(s.logger, mux)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps err onto its taxonomy status. Processing errors are logged
// with their cause; the client only sees the summary.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindProcessing {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSONStatus(w, kind.Status(), errorBody{Error: errs.Message(err), Kind: kind.String()})
}

// parseBodyErr classifies a body/form parsing failure.
func parseBodyErr(err error, what string) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errs.Validation("request body too large")
	}
	return errs.Validation("malformed " + what)
}

// formFiles returns the files under field, or every file part (ordered by
// field name) when field is absent.
func formFiles(mf *multipart.Form, field string) []*multipart.FileHeader {
	if mf == nil || len(mf.File) == 0 {
		return nil
	}
	if v := mf.File[field]; len(v) > 0 {
		return v
	}
	keys := make([]string, 0, len(mf.File))
	for k := range mf.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []*multipart.FileHeader
	for _, k := range keys {
		out = append(out, mf.File[k]...)
	}
	return out
}

const formMemory = 8 << 20

func (s *Server) maxUploadBody() int64 {
	return int64(s.cfg.Upload.MaxFiles)*s.cfg.Upload.MaxFileBytes + 1<<20
}
