package upload

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"storefront/internal/errs"
	"storefront/internal/fsutil"
)

type RemoveError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type RemoveResult struct {
	Deleted []string      `json:"deleted"`
	Errors  []RemoveError `json:"errors"`
}

// Remove deletes each named asset directly under dest's root. Unsafe names
// are reported without touching the filesystem.
func (m *Manager) Remove(dest Dest, names []string) RemoveResult {
	res := RemoveResult{Deleted: []string{}, Errors: []RemoveError{}}
	for _, name := range names {
		if err := m.RemoveOne(dest, name); err != nil {
			res.Errors = append(res.Errors, RemoveError{Filename: name, Error: errs.Message(err)})
			continue
		}
		res.Deleted = append(res.Deleted, name)
	}
	return res
}

// RemoveOne deletes a single asset. A missing file is a NotFound error.
func (m *Manager) RemoveOne(dest Dest, name string) error {
	safe, err := fsutil.SanitizeName(name)
	if err != nil {
		return err
	}
	abs, err := fsutil.ResolveContained(m.root(dest), safe)
	if err != nil {
		return err
	}
	if m.opts.Placeholder != "" && abs == filepath.Clean(m.opts.Placeholder) {
		return errs.Validation("the placeholder image cannot be deleted")
	}
	st, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("file not found: " + safe)
		}
		return errs.Processing(err, "stat failed")
	}
	if !st.Mode().IsRegular() {
		return errs.Validation("not a file: " + safe)
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("file not found: " + safe)
		}
		return errs.Processing(err, "delete failed")
	}
	m.Metrics.Deletes.Add(1)
	m.logger.Info("asset deleted", zap.String("dest", dest.String()), zap.String("name", safe))
	return nil
}
