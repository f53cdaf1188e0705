package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront/internal/config"
	"storefront/internal/errs"
	"storefront/internal/fsutil"
	"storefront/internal/imaging"
)

// Uploads are processed as:
// - stage raw bytes in <dataDir>/staging/<unixnano>-<seq>-<name>
// - transcode to JPEG on the shared worker pool
// - commit into the destination root via temp file + rename
// - drop the staging file
//
// Each file of a batch succeeds or fails on its own.

// Dest selects the root a batch is committed into.
type Dest int

const (
	Gallery Dest = iota
	Products
)

func (d Dest) String() string {
	if d == Products {
		return "products"
	}
	return "gallery"
}

type Options struct {
	GalleryDir  string
	ProductsDir string
	StagingDir  string
	// Placeholder is the absolute path of the shared placeholder image.
	// Remove refuses it.
	Placeholder      string
	MaxWidth         int
	MaxHeight        int
	MaxPixels        int64
	Quality          int
	MaxFiles         int
	MaxFileBytes     int64
	Workers          int
	BatchParallelism int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		GalleryDir:       cfg.ImagesDir,
		ProductsDir:      cfg.ProductsDir(),
		StagingDir:       cfg.StagingDir(),
		Placeholder:      cfg.PlaceholderPath(),
		MaxWidth:         cfg.Upload.MaxWidth,
		MaxHeight:        cfg.Upload.MaxHeight,
		MaxPixels:        cfg.Upload.MaxPixels,
		Quality:          cfg.Upload.Quality,
		MaxFiles:         cfg.Upload.MaxFiles,
		MaxFileBytes:     cfg.Upload.MaxFileBytes,
		Workers:          cfg.Upload.Workers,
		BatchParallelism: cfg.Upload.BatchParallelism,
	}
}

// File is one uploaded part: its client-side name and a way to read it.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

func FromMultipart(fhs []*multipart.FileHeader) []File {
	files := make([]File, 0, len(fhs))
	for _, fh := range fhs {
		fh := fh
		files = append(files, File{
			Name: fh.Filename,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return files
}

func FromBytes(name string, b []byte) File {
	return File{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil },
	}
}

// Outcome is the per-file result of a batch, in input order.
type Outcome struct {
	OriginalName string
	StoredName   string
	Err          error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Metrics holds process-lifetime counters for the pipeline.
type Metrics struct {
	Uploads      atomic.Int64
	Failures     atomic.Int64
	BytesWritten atomic.Int64
	Deletes      atomic.Int64
}

type Manager struct {
	opts    Options
	pool    *ants.Pool
	logger  *zap.Logger
	seq     atomic.Uint64
	Metrics Metrics
}

func New(opts Options, logger *zap.Logger) (*Manager, error) {
	for _, dir := range []string{opts.GalleryDir, opts.ProductsDir, opts.StagingDir} {
		if dir == "" {
			return nil, errors.New("upload: gallery, products and staging dirs are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchParallelism <= 0 {
		opts.BatchParallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("transcode worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "transcode pool")
	}
	return &Manager{opts: opts, pool: pool, logger: logger}, nil
}

// Close releases the transcode pool. In-flight tasks finish first.
func (m *Manager) Close() {
	m.pool.Release()
}

func (m *Manager) root(d Dest) string {
	if d == Products {
		return m.opts.ProductsDir
	}
	return m.opts.GalleryDir
}

// Store processes a batch. The returned error is non-nil only when the batch
// as a whole is rejected; per-file failures are reported in the outcomes.
func (m *Manager) Store(ctx context.Context, dest Dest, files []File) ([]Outcome, error) {
	if len(files) == 0 {
		return nil, errs.Validation("no files uploaded")
	}
	if m.opts.MaxFiles > 0 && len(files) > m.opts.MaxFiles {
		return nil, errs.Validation(fmt.Sprintf("too many files: %d (max %d)", len(files), m.opts.MaxFiles))
	}

	outcomes := make([]Outcome, len(files))
	var g errgroup.Group
	g.SetLimit(m.opts.BatchParallelism)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			stored, err := m.StoreOne(ctx, dest, f)
			outcomes[i] = Outcome{OriginalName: f.Name, StoredName: stored, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// StoreOne runs a single file through the pipeline and returns the stored
// basename.
func (m *Manager) StoreOne(ctx context.Context, dest Dest, f File) (string, error) {
	m.Metrics.Uploads.Add(1)
	stored, err := m.storeOne(ctx, dest, f)
	if err != nil {
		m.Metrics.Failures.Add(1)
		m.logger.Warn("upload failed",
			zap.String("dest", dest.String()),
			zap.String("name", f.Name),
			zap.Error(err))
		return "", err
	}
	return stored, nil
}

func (m *Manager) storeOne(ctx context.Context, dest Dest, f File) (string, error) {
	safe, err := fsutil.SanitizeName(f.Name)
	if err != nil {
		return "", err
	}
	if f.Open == nil {
		return "", errs.Validation("missing file content")
	}

	staged, err := m.stage(safe, f)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("staging cleanup failed", zap.String("path", staged), zap.Error(err))
		}
	}()

	res, err := m.transcode(ctx, staged, imaging.Options{
		MaxWidth:  m.opts.MaxWidth,
		MaxHeight: m.opts.MaxHeight,
		MaxPixels: m.opts.MaxPixels,
		Quality:   m.opts.Quality,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Processing(ctx.Err(), "upload cancelled")
		}
		if errs.KindOf(err) == errs.KindValidation {
			return "", err
		}
		return "", errs.Processing(err, fmt.Sprintf("cannot process %s as an image", safe))
	}

	stored, dst, err := m.target(dest, safe)
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(dst, res.JPEG, 0o644); err != nil {
		return "", errs.Processing(err, "write failed")
	}
	m.Metrics.BytesWritten.Add(int64(len(res.JPEG)))
	m.logger.Info("upload stored",
		zap.String("dest", dest.String()),
		zap.String("original", f.Name),
		zap.String("stored", stored),
		zap.String("format", res.Format),
		zap.Int("src_width", res.SrcWidth),
		zap.Int("width", res.Width),
		zap.Int("bytes", len(res.JPEG)))
	return stored, nil
}

// stage copies the upload to the staging area, enforcing MaxFileBytes.
func (m *Manager) stage(safe string, f File) (string, error) {
	src, err := f.Open()
	if err != nil {
		return "", errs.Processing(err, "open upload")
	}
	defer src.Close()

	tmp := filepath.Join(m.opts.StagingDir, fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), m.seq.Add(1), safe))
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", errs.Processing(err, "staging failed")
	}
	var r io.Reader = src
	if m.opts.MaxFileBytes > 0 {
		r = io.LimitReader(src, m.opts.MaxFileBytes+1)
	}
	n, err := io.Copy(dst, r)
	cerr := dst.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", errs.Processing(err, "staging failed")
	}
	if m.opts.MaxFileBytes > 0 && n > m.opts.MaxFileBytes {
		_ = os.Remove(tmp)
		return "", errs.Validation(fmt.Sprintf("%s exceeds %d bytes", safe, m.opts.MaxFileBytes))
	}
	if n == 0 {
		_ = os.Remove(tmp)
		return "", errs.Validation(fmt.Sprintf("%s is empty", safe))
	}
	return tmp, nil
}

type transcodeResult struct {
	res *imaging.Result
	err error
}

// Thumb renders a preview of the image at p, no wider than width, on the same
// pool as uploads. The pixel limit applies.
func (m *Manager) Thumb(ctx context.Context, p string, width, quality int) ([]byte, error) {
	res, err := m.transcode(ctx, p, imaging.Options{
		MaxWidth:  width,
		MaxHeight: 4 * width,
		MaxPixels: m.opts.MaxPixels,
		Quality:   quality,
	})
	if err != nil {
		return nil, err
	}
	return res.JPEG, nil
}

// transcode runs the CPU-bound decode/resize/encode on the shared pool and
// waits for it, or for ctx.
func (m *Manager) transcode(ctx context.Context, src string, opts imaging.Options) (*imaging.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan transcodeResult, 1)
	task := func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- transcodeResult{err: fmt.Errorf("transcode panic: %v", p)}
			}
		}()
		in, err := os.Open(src)
		if err != nil {
			ch <- transcodeResult{err: err}
			return
		}
		defer in.Close()
		res, err := imaging.Transcode(in, opts)
		ch <- transcodeResult{res: res, err: err}
	}
	if err := m.pool.Submit(task); err != nil {
		return nil, errors.Wrap(err, "submit transcode")
	}
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// target picks an unused stored name in dest and resolves it inside the root.
func (m *Manager) target(dest Dest, safe string) (string, string, error) {
	root := m.root(dest)
	for i := 0; i < 5; i++ {
		stored := StoredName(safe)
		dst, err := fsutil.ResolveContained(root, stored)
		if err != nil {
			return "", "", err
		}
		if _, err := os.Lstat(dst); os.IsNotExist(err) {
			return stored, dst, nil
		}
	}
	return "", "", errs.Processing(errors.New("name collision"), "could not allocate a unique name")
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	unsafeChars = regexp.MustCompile(`[^a-z0-9_-]`)
	dashRun     = regexp.MustCompile(`-{2,}`)
)

const maxStemLen = 64

// StoredName derives the committed basename from the client's file name:
// lowercase stem, whitespace to hyphens, everything outside [a-z0-9_-]
// dropped, then a short unique suffix and ".jpg".
// "My Cake!!.HEIC" -> "my-cake-1a2b3c4d.jpg".
func StoredName(original string) string {
	base := path.Base(strings.ReplaceAll(original, "\\", "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	stem = strings.ToLower(strings.TrimSpace(stem))
	stem = spaceRun.ReplaceAllString(stem, "-")
	stem = unsafeChars.ReplaceAllString(stem, "")
	stem = dashRun.ReplaceAllString(stem, "-")
	stem = strings.Trim(stem, "-")
	if len(stem) > maxStemLen {
		stem = strings.TrimRight(stem[:maxStemLen], "-")
	}
	if stem == "" {
		stem = "image"
	}
	return stem + "-" + shortID() + ".jpg"
}

func shortID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}
