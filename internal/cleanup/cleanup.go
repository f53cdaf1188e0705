// Package cleanup reclaims staging space left behind by interrupted uploads.
//
// The upload pipeline removes its staging file when a request finishes, but a
// crash or kill between staging and commit leaves the raw bytes behind under
// <dataDir>/staging. Staging removes anything there older than the TTL.
package cleanup

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Staging removes entries of dir whose mtime is older than ttl and returns how
// many were removed. In-flight uploads are recent and therefore left alone.
func Staging(dir string, ttl time.Duration, logger *zap.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cleanup: readdir failed", zap.String("dir", dir), zap.Error(err))
		}
		return 0
	}

	cutoff := time.Now().Add(-ttl)
	var removed int
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		age := time.Since(info.ModTime()).Round(time.Minute)
		if err := os.RemoveAll(p); err != nil {
			logger.Warn("cleanup: remove failed", zap.String("entry", e.Name()), zap.Error(err))
			continue
		}
		removed++
		logger.Info("cleanup: removed stale staging entry", zap.String("entry", e.Name()), zap.Duration("age", age))
	}
	if removed > 0 {
		logger.Info("cleanup: cycle complete", zap.Int("removed", removed))
	}
	return removed
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewScheduler returns a cron scheduler that accepts both 5/6-field specs and
// descriptors such as "@every 1h".
func NewScheduler() *cron.Cron {
	return cron.New(cron.WithParser(parser))
}

// Schedule runs one sweep immediately and registers the recurring one on c.
// The caller owns c (Start/Stop).
func Schedule(c *cron.Cron, spec, dir string, ttl time.Duration, logger *zap.Logger) (cron.EntryID, error) {
	Staging(dir, ttl, logger)
	id, err := c.AddFunc(spec, func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("cleanup: panic", zap.Any("panic", p))
			}
		}()
		Staging(dir, ttl, logger)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "schedule staging cleanup %q", spec)
	}
	return id, nil
}
