package config

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"storefront/internal/fsutil"
)

// Config is intentionally small and JSON-friendly.
// Every field can be left empty; Default fills in the rest.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:3000".
	Addr string `json:"addr"`

	// ImagesDir is the gallery root. Product images live in ImagesDir/ProductSubdir.
	ImagesDir     string `json:"imagesDir"`
	ProductSubdir string `json:"productSubdir"`

	// ImagesURLPrefix is how catalog records refer to the image root,
	// e.g. "/images" -> "/images/products/cake-1a2b3c4d.jpg".
	ImagesURLPrefix string `json:"imagesUrlPrefix"`

	// PlaceholderImage is provisioned outside this service and never touched by it.
	PlaceholderImage string `json:"placeholderImage"`

	// DataDir holds the catalog document and the upload staging area.
	DataDir string `json:"dataDir"`

	// CatalogBackend is "json" (one document) or "bolt" (embedded bbolt file).
	CatalogBackend string `json:"catalogBackend"`

	Admin   Admin   `json:"admin"`
	Upload  Upload  `json:"upload"`
	Gallery Gallery `json:"gallery"`
	Log     Log     `json:"log"`
	Server  Server  `json:"server"`
}

type Admin struct {
	// Secret is compared as-is. Prefer SecretBcrypt (see `storefront passwd`).
	Secret       string `json:"secret,omitempty"`
	SecretBcrypt string `json:"secretBcrypt,omitempty"`
	CookieName   string `json:"cookieName"`
	HeaderName   string `json:"headerName"`
}

type Upload struct {
	MaxWidth  int `json:"maxWidth"`
	MaxHeight int `json:"maxHeight"`
	// MaxPixels is checked against the image header before decoding.
	MaxPixels        int64 `json:"maxPixels"`
	Quality          int   `json:"quality"`
	MaxFiles         int   `json:"maxFiles"`
	MaxFileBytes     int64 `json:"maxFileBytes"`
	Workers          int   `json:"workers"`
	BatchParallelism int   `json:"batchParallelism"`
	// StagingTTLMinutes is the age after which abandoned staging files are swept.
	StagingTTLMinutes int    `json:"stagingTtlMinutes"`
	CleanupSchedule   string `json:"cleanupSchedule"`
}

type Gallery struct {
	HistoryLimit int `json:"historyLimit"`
	// CapacityBytes is the provisioned storage size reported by disk usage.
	// It is not measured from the device.
	CapacityBytes int64 `json:"capacityBytes"`
}

type Log struct {
	// Mode is "production" (JSON) or "development" (console).
	Mode     string `json:"mode"`
	Level    string `json:"level"`
	Filename string `json:"filename,omitempty"`
}

type Server struct {
	MaxConns int `json:"maxConns"`
	// ShutdownSeconds bounds connection draining on SIGTERM.
	ShutdownSeconds int `json:"shutdownSeconds"`
}

func Default() Config {
	return Config{
		Addr:             "0.0.0.0:3000",
		ImagesDir:        "public/images",
		ProductSubdir:    "products",
		ImagesURLPrefix:  "/images",
		PlaceholderImage: "/images/placeholder.jpg",
		DataDir:          "data",
		CatalogBackend:   "json",
		Admin: Admin{
			CookieName: "admin_token",
			HeaderName: "X-Admin-Token",
		},
		Upload: Upload{
			MaxWidth:          1600,
			MaxHeight:         6400,
			MaxPixels:         64_000_000,
			Quality:           85,
			MaxFiles:          20,
			MaxFileBytes:      25 << 20,
			Workers:           4,
			BatchParallelism:  4,
			StagingTTLMinutes: 24 * 60,
			CleanupSchedule:   "@every 1h",
		},
		Gallery: Gallery{
			HistoryLimit:  200,
			CapacityBytes: 10 << 30,
		},
		Log: Log{
			Mode:  "production",
			Level: "info",
		},
		Server: Server{
			MaxConns:        256,
			ShutdownSeconds: 30,
		},
	}
}

// Load reads a JSON config over the defaults. An empty path yields defaults.
func Load(p string) (Config, error) {
	cfg := Default()
	if p == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STOREFRONT_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("STOREFRONT_ADDR", &c.Addr)
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Addr = "0.0.0.0:" + port
	}
	str("STOREFRONT_IMAGES_DIR", &c.ImagesDir)
	str("STOREFRONT_DATA_DIR", &c.DataDir)
	str("STOREFRONT_CATALOG_BACKEND", &c.CatalogBackend)
	str("STOREFRONT_PLACEHOLDER", &c.PlaceholderImage)
	str("STOREFRONT_ADMIN_SECRET", &c.Admin.Secret)
	str("STOREFRONT_ADMIN_SECRET_BCRYPT", &c.Admin.SecretBcrypt)
	str("STOREFRONT_LOG_MODE", &c.Log.Mode)
	str("STOREFRONT_LOG_LEVEL", &c.Log.Level)
	str("STOREFRONT_LOG_FILE", &c.Log.Filename)
	if v := strings.TrimSpace(getenv("STOREFRONT_CAPACITY_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "STOREFRONT_CAPACITY_BYTES")
		}
		c.Gallery.CapacityBytes = n
	}
	return nil
}

// Validate checks invariants and resolves directories to absolute paths.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("config: addr is required")
	}
	if c.ImagesDir == "" || c.DataDir == "" {
		return errors.New("config: imagesDir and dataDir are required")
	}
	sub := strings.TrimSpace(c.ProductSubdir)
	if sub == "" || strings.ContainsAny(sub, `/\`) || strings.Contains(sub, "..") {
		return errors.Errorf("config: invalid productSubdir %q", c.ProductSubdir)
	}
	switch c.CatalogBackend {
	case "json", "bolt":
	default:
		return errors.Errorf("config: unknown catalogBackend %q", c.CatalogBackend)
	}
	if c.Upload.MaxWidth <= 0 {
		return errors.New("config: upload.maxWidth must be positive")
	}
	if c.Upload.MaxHeight <= 0 {
		c.Upload.MaxHeight = 4 * c.Upload.MaxWidth
	}
	if c.Upload.MaxPixels <= 0 {
		c.Upload.MaxPixels = 64_000_000
	}
	if c.Upload.Quality < 1 || c.Upload.Quality > 100 {
		return errors.New("config: upload.quality must be in 1..100")
	}
	if c.Upload.MaxFiles <= 0 || c.Upload.MaxFileBytes <= 0 {
		return errors.New("config: upload limits must be positive")
	}
	if c.Upload.Workers <= 0 {
		c.Upload.Workers = 1
	}
	if c.Upload.BatchParallelism <= 0 {
		c.Upload.BatchParallelism = 1
	}
	if c.Upload.StagingTTLMinutes <= 0 {
		c.Upload.StagingTTLMinutes = 24 * 60
	}
	if strings.TrimSpace(c.Upload.CleanupSchedule) == "" {
		c.Upload.CleanupSchedule = "@every 1h"
	}
	if c.Server.MaxConns <= 0 {
		c.Server.MaxConns = 256
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 30
	}
	if c.Gallery.HistoryLimit <= 0 {
		return errors.New("config: gallery.historyLimit must be positive")
	}
	if c.Gallery.CapacityBytes < 0 {
		return errors.New("config: gallery.capacityBytes must not be negative")
	}
	c.ImagesURLPrefix = "/" + strings.Trim(c.ImagesURLPrefix, "/")

	var err error
	if c.ImagesDir, err = filepath.Abs(c.ImagesDir); err != nil {
		return errors.Wrap(err, "abs imagesDir")
	}
	if c.DataDir, err = filepath.Abs(c.DataDir); err != nil {
		return errors.Wrap(err, "abs dataDir")
	}
	return nil
}

func (c Config) ProductsDir() string { return filepath.Join(c.ImagesDir, c.ProductSubdir) }

func (c Config) StagingDir() string { return filepath.Join(c.DataDir, "staging") }

// CatalogPath is the document (json) or database file (bolt) for the catalog.
func (c Config) CatalogPath() string {
	if c.CatalogBackend == "bolt" {
		return filepath.Join(c.DataDir, "catalog.db")
	}
	return filepath.Join(c.DataDir, "products.json")
}

// PlaceholderPath maps PlaceholderImage to its file under ImagesDir, or ""
// when the placeholder is served from somewhere else.
func (c Config) PlaceholderPath() string {
	rel, ok := strings.CutPrefix(c.PlaceholderImage, strings.TrimSuffix(c.ImagesURLPrefix, "/")+"/")
	if !ok || rel == "" {
		return ""
	}
	p, err := fsutil.JoinWithinRoot(c.ImagesDir, rel)
	if err != nil {
		return ""
	}
	return p
}

// ProductURLPrefix is the reference prefix stored in product records.
func (c Config) ProductURLPrefix() string {
	return path.Join(c.ImagesURLPrefix, c.ProductSubdir) + "/"
}
