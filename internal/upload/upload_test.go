package upload

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"go.uber.org/zap"

	"storefront/internal/errs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := New(Options{
		GalleryDir:       filepath.Join(root, "images"),
		ProductsDir:      filepath.Join(root, "images", "products"),
		StagingDir:       filepath.Join(root, "data", "staging"),
		Placeholder:      filepath.Join(root, "images", "placeholder.jpg"),
		MaxWidth:         1600,
		MaxHeight:        6400,
		MaxPixels:        4_000_000,
		Quality:          85,
		MaxFiles:         5,
		MaxFileBytes:     8 << 20,
		Workers:          2,
		BatchParallelism: 3,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func stagingEntries(t *testing.T, m *Manager) int {
	t.Helper()
	ents, err := os.ReadDir(m.opts.StagingDir)
	if err != nil {
		t.Fatal(err)
	}
	return len(ents)
}

func TestStoredName(t *testing.T) {
	re := regexp.MustCompile(`^my-cake-[0-9a-f]{8}\.jpg$`)
	got := StoredName("My Cake!!.HEIC")
	if !re.MatchString(got) {
		t.Errorf("StoredName = %q, want my-cake-<id>.jpg", got)
	}

	cases := map[string]*regexp.Regexp{
		"!!!.png":                   regexp.MustCompile(`^image-[0-9a-f]{8}\.jpg$`),
		"  Summer   Sale 2024.jpeg": regexp.MustCompile(`^summer-sale-2024-[0-9a-f]{8}\.jpg$`),
		"under_score-ok.webp":       regexp.MustCompile(`^under_score-ok-[0-9a-f]{8}\.jpg$`),
		"noext":                     regexp.MustCompile(`^noext-[0-9a-f]{8}\.jpg$`),
	}
	for in, re := range cases {
		if got := StoredName(in); !re.MatchString(got) {
			t.Errorf("StoredName(%q) = %q", in, got)
		}
	}

	if StoredName("a.jpg") == StoredName("a.jpg") {
		t.Error("StoredName must be unique per call")
	}
}

func TestStoreBatchIndependentFailures(t *testing.T) {
	m := newTestManager(t)
	files := []File{
		FromBytes("Big Photo.png", pngOf(t, 2400, 1200)),
		FromBytes("broken.jpg", []byte("not an image")),
		FromBytes("../escape.png", pngOf(t, 10, 10)),
		FromBytes("small.png", pngOf(t, 320, 240)),
	}
	out, err := m.Store(context.Background(), Gallery, files)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(out) != len(files) {
		t.Fatalf("got %d outcomes, want %d", len(out), len(files))
	}
	for i, o := range out {
		if o.OriginalName != files[i].Name {
			t.Errorf("outcome %d is for %q, want %q (input order)", i, o.OriginalName, files[i].Name)
		}
	}

	if !out[0].OK() || !out[3].OK() {
		t.Fatalf("valid files failed: %v / %v", out[0].Err, out[3].Err)
	}
	if out[1].OK() || errs.KindOf(out[1].Err) != errs.KindProcessing {
		t.Errorf("broken file: err = %v, want processing error", out[1].Err)
	}
	if out[2].OK() || errs.KindOf(out[2].Err) != errs.KindValidation {
		t.Errorf("traversal name: err = %v, want validation error", out[2].Err)
	}

	wantWidths := map[int]int{0: 1600, 3: 320}
	for i, w := range wantWidths {
		b, err := os.ReadFile(filepath.Join(m.opts.GalleryDir, out[i].StoredName))
		if err != nil {
			t.Fatalf("stored file %d: %v", i, err)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("stored file %d is not a JPEG: %v", i, err)
		}
		if cfg.Width != w {
			t.Errorf("stored file %d width = %d, want %d", i, cfg.Width, w)
		}
	}

	if n := stagingEntries(t, m); n != 0 {
		t.Errorf("staging not cleaned: %d entries left", n)
	}
	if got := m.Metrics.Failures.Load(); got != 2 {
		t.Errorf("Failures = %d, want 2", got)
	}
}

func TestStoreRejectsTraversalBeforeStaging(t *testing.T) {
	m := newTestManager(t)
	opened := false
	f := File{Name: "a/../../b.png", Open: func() (io.ReadCloser, error) {
		opened = true
		return nil, os.ErrInvalid
	}}
	_, err := m.StoreOne(context.Background(), Gallery, f)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if opened {
		t.Error("upload content was read for an unsafe name")
	}
	if n := stagingEntries(t, m); n != 0 {
		t.Errorf("staging touched: %d entries", n)
	}
}

func TestStoreBatchLimits(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Store(context.Background(), Gallery, nil); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("empty batch err = %v", err)
	}
	many := make([]File, 6)
	for i := range many {
		many[i] = FromBytes("x.png", []byte("x"))
	}
	if _, err := m.Store(context.Background(), Gallery, many); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("oversized batch err = %v", err)
	}
}

func TestStoreFileTooLarge(t *testing.T) {
	m := newTestManager(t)
	m.opts.MaxFileBytes = 16
	_, err := m.StoreOne(context.Background(), Gallery, FromBytes("big.png", pngOf(t, 50, 50)))
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if n := stagingEntries(t, m); n != 0 {
		t.Errorf("staging not cleaned: %d entries", n)
	}
}

func TestStoreProductsDest(t *testing.T) {
	m := newTestManager(t)
	name, err := m.StoreOne(context.Background(), Products, FromBytes("Cake.png", pngOf(t, 40, 40)))
	if err != nil {
		t.Fatalf("StoreOne: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.opts.ProductsDir, name)); err != nil {
		t.Errorf("product image not in products dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.opts.GalleryDir, name)); !os.IsNotExist(err) {
		t.Errorf("product image leaked into gallery root")
	}
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)
	name, err := m.StoreOne(context.Background(), Gallery, FromBytes("a.png", pngOf(t, 20, 20)))
	if err != nil {
		t.Fatal(err)
	}

	res := m.Remove(Gallery, []string{name, "missing.jpg", "../etc/passwd", "products"})
	if len(res.Deleted) != 1 || res.Deleted[0] != name {
		t.Errorf("Deleted = %v", res.Deleted)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if _, err := os.Stat(filepath.Join(m.opts.GalleryDir, name)); !os.IsNotExist(err) {
		t.Error("file still present after Remove")
	}
	// the products subdirectory is not a file and must survive
	if _, err := os.Stat(m.opts.ProductsDir); err != nil {
		t.Errorf("products dir removed: %v", err)
	}

	if err := m.RemoveOne(Gallery, "missing.jpg"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("RemoveOne(missing) = %v, want not found", err)
	}
}

func TestRemoveKeepsPlaceholder(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(m.opts.Placeholder, pngOf(t, 8, 8), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveOne(Gallery, "placeholder.jpg"); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("RemoveOne(placeholder) = %v, want validation", err)
	}
	res := m.Remove(Gallery, []string{"placeholder.jpg"})
	if len(res.Deleted) != 0 || len(res.Errors) != 1 {
		t.Errorf("batch remove = %+v", res)
	}
	if _, err := os.Stat(m.opts.Placeholder); err != nil {
		t.Fatalf("placeholder removed: %v", err)
	}
	if got := m.Metrics.Deletes.Load(); got != 0 {
		t.Errorf("Deletes = %d, want 0", got)
	}

	// same basename under products is an ordinary asset
	if err := os.WriteFile(filepath.Join(m.opts.ProductsDir, "placeholder.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveOne(Products, "placeholder.jpg"); err != nil {
		t.Errorf("RemoveOne(products/placeholder.jpg) = %v", err)
	}
}

func TestStoreRejectsOverPixelLimit(t *testing.T) {
	m := newTestManager(t)
	// 500x10000 is 5M pixels, over the 4M limit of the test manager.
	_, err := m.StoreOne(context.Background(), Gallery, FromBytes("tall.png", pngOf(t, 500, 10000)))
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if n := stagingEntries(t, m); n != 0 {
		t.Errorf("staging not cleaned: %d entries", n)
	}
	ents, err := os.ReadDir(m.opts.GalleryDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range ents {
		if !e.IsDir() {
			t.Errorf("unexpected stored file %s", e.Name())
		}
	}
}

func TestThumb(t *testing.T) {
	m := newTestManager(t)
	src := filepath.Join(m.opts.GalleryDir, "wide.png")
	if err := os.WriteFile(src, pngOf(t, 1200, 600), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := m.Thumb(context.Background(), src, 256, 80)
	if err != nil {
		t.Fatalf("Thumb: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("thumb is not a JPEG: %v", err)
	}
	if cfg.Width != 256 || cfg.Height != 128 {
		t.Errorf("thumb = %dx%d, want 256x128", cfg.Width, cfg.Height)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Thumb(ctx, src, 256, 80); err == nil {
		t.Error("Thumb ignored a cancelled context")
	}
}
