// Package cleanup removes temp files left behind by interrupted transfers.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/depmap_downloader/internal/logctx"
)

const partSuffix = ".part"

// IsPartFile reports whether name looks like an in-progress transfer temp file.
func IsPartFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, partSuffix)
}

// DeleteOrphanedParts deletes temp files under dir that were last written
// more than keepDuration ago. Younger ones may belong to a live transfer.
// It returns the number of files removed.
func DeleteOrphanedParts(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // already deleted
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !IsPartFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			logger.ErrorContext(ctx, "failed to stat file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.ErrorContext(ctx, "failed to delete orphaned temp file", "file", path, "err", err)

			return err
		}

		logger.InfoContext(ctx, "deleted orphaned temp file", "file", path, "age", now.Sub(info.ModTime()).String())

		removed++

		return nil
	})

	return removed, err
}
