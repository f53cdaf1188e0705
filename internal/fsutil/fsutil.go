package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"storefront/internal/errs"
)

var (
	ErrUnsafeName = errs.Validation("unsafe filename")
	ErrEscape     = errs.Validation("path escapes root")
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SanitizeName reduces an externally supplied file name to a bare basename.
// Names that carry directory components or a parent marker are rejected, not
// rewritten, so "../x" never silently becomes "x".
func SanitizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.ContainsRune(name, 0) {
		return "", ErrUnsafeName
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base != name {
		return "", ErrUnsafeName
	}
	if base == "." || base == ".." || strings.Contains(base, "..") {
		return "", ErrUnsafeName
	}
	return base, nil
}

// ResolveContained joins name onto root and verifies, lexically, that the
// result is a strict descendant of root.
func ResolveContained(root, name string) (string, error) {
	if root == "" || name == "" || strings.ContainsRune(name, 0) {
		return "", ErrEscape
	}
	rootClean := filepath.Clean(root)
	abs := filepath.Join(rootClean, filepath.FromSlash(name))
	rel, err := filepath.Rel(rootClean, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrEscape
	}
	return abs, nil
}

// JoinWithinRoot returns an absolute filesystem path under root for a given rel
// path. It rejects escapes (..).
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = CleanRelPath(rel)
	if rel == "" {
		return rootAbs, nil
	}
	return ResolveContained(rootAbs, rel)
}

// WriteFileAtomic writes data next to dst under a dot-prefixed temp name and
// renames it into place, so readers never see a partial file under dst.
func WriteFileAtomic(dst string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(dst)+"."+randHex(4)+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return errors.Wrap(err, "open temp")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "write temp")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "sync temp")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "close temp")
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename to %s", dst)
	}
	return nil
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "0000"
	}
	return hex.EncodeToString(b)
}
