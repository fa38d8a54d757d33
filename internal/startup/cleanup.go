// Package startup holds tasks that run once before the server accepts
// traffic.
package startup

import (
	"log/slog"

	"github.com/thomasbambino/streamcore/internal/storage"
)

// CleanupOutputRoot empties the HLS output root. Channel directories are
// only reachable through a live worker, and no workers survive a restart,
// so whatever a previous run left behind is garbage. Entries that cannot
// be removed are logged and skipped.
//
// Returns the number of entries removed.
func CleanupOutputRoot(logger *slog.Logger, sandbox *storage.Sandbox) (int, error) {
	entries, err := sandbox.List(".")
	if err != nil {
		return 0, err
	}

	var removed int
	for _, entry := range entries {
		if err := sandbox.RemoveAll(entry.Name()); err != nil {
			logger.Warn("failed to remove leftover output entry",
				slog.String("name", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}
		logger.Info("removed leftover output entry",
			slog.String("name", entry.Name()))
		removed++
	}

	return removed, nil
}
