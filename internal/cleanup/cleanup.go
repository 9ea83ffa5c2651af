package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/asset_uploader/internal/logctx"
)

// DeleteExpiredSpoolFiles removes spooled upload bodies in dir that were last
// modified more than keepDuration ago. Spool files normally go away with their
// session; this catches the ones left behind by a crash.
func DeleteExpiredSpoolFiles(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read spool dir: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already deleted
			}

			return removed, fmt.Errorf("failed to stat %s: %w", filePath, err)
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete expired spool file", "file", filePath, "err", err)

			return removed, err
		}

		removed++

		logger.Info("deleted expired spool file", "file", filePath)
	}

	return removed, nil
}
