package gallery

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Index answers read-only questions about the image tree. Nothing is
// cached: every call reflects the filesystem at that moment.
type Index struct {
	root          string
	historyLimit  int
	capacityBytes int64
	// exclude holds cleaned paths that are never reported, such as the
	// shared placeholder image.
	exclude map[string]bool
}

func New(root string, historyLimit int, capacityBytes int64, exclude ...string) *Index {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	x := &Index{
		root:          filepath.Clean(root),
		historyLimit:  historyLimit,
		capacityBytes: capacityBytes,
		exclude:       make(map[string]bool, len(exclude)),
	}
	for _, p := range exclude {
		if p != "" {
			x.exclude[filepath.Clean(p)] = true
		}
	}
	return x
}

// Entry is one file found by History.
type Entry struct {
	Path  string    `json:"path"` // slash-separated, relative to root
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
}

type Usage struct {
	TotalBytes int64 `json:"totalBytes"`
	UsedBytes  int64 `json:"usedBytes"`
	UsedPct    int   `json:"usedPct"`
	FileCount  int   `json:"fileCount"`
}

// IsImageExt reports whether ext (with dot, any case) is a recognized image.
func IsImageExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic", ".heif", ".tif", ".tiff", ".bmp":
		return true
	default:
		return false
	}
}

func visible(name string) bool {
	return !strings.HasPrefix(name, ".") && IsImageExt(filepath.Ext(name))
}

// List returns the image files directly under the root, newest first.
// Subdirectories (including the product-image one) are not descended.
func (x *Index) List(ctx context.Context) ([]string, error) {
	ents, err := os.ReadDir(x.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "read image root")
	}
	type item struct {
		name  string
		mtime time.Time
	}
	items := make([]item, 0, len(ents))
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || !visible(e.Name()) || x.exclude[filepath.Join(x.root, e.Name())] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		items = append(items, item{name: e.Name(), mtime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].mtime.Equal(items[j].mtime) {
			return items[i].mtime.After(items[j].mtime)
		}
		return items[i].name < items[j].name
	})
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.name
	}
	return names, nil
}

// History walks the whole tree and returns the most recently modified
// images, newest first, capped at the configured limit.
func (x *Index) History(ctx context.Context) ([]Entry, error) {
	entries, err := x.walk(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Mtime.Equal(entries[j].Mtime) {
			return entries[i].Mtime.After(entries[j].Mtime)
		}
		return entries[i].Path < entries[j].Path
	})
	if len(entries) > x.historyLimit {
		entries = entries[:x.historyLimit]
	}
	return entries, nil
}

// Usage sums the sizes of every recognized image in the tree.
func (x *Index) Usage(ctx context.Context) (Usage, error) {
	entries, err := x.walk(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{TotalBytes: x.capacityBytes, FileCount: len(entries)}
	for _, e := range entries {
		u.UsedBytes += e.Size
	}
	u.UsedPct = Percent(u.UsedBytes, u.TotalBytes)
	return u, nil
}

// Percent is round(used*100/total), or 0 when total is not positive.
func Percent(used, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(used) * 100 / float64(total)))
}

// walk does not follow symlinks; WalkDir reports them as non-regular.
func (x *Index) walk(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, 0, 64)
	err := filepath.WalkDir(x.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == x.root && os.IsNotExist(err) {
				return fs.SkipAll
			}
			// unreadable subtree; keep going
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != x.root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !visible(d.Name()) || x.exclude[p] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(x.root, p)
		if err != nil {
			return nil
		}
		out = append(out, Entry{Path: filepath.ToSlash(rel), Size: info.Size(), Mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "walk image root")
	}
	return out, nil
}
