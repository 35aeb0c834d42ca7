package speech

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/metrics"
)

// Sweeper removes result files nobody released, such as those left behind by
// a crashed request.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewSweeper removes .wav files in dir older than maxAge every interval.
func NewSweeper(dir string, maxAge, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{dir: dir, maxAge: maxAge, interval: interval, log: log, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass and returns the number of files removed.
func (s *Sweeper) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.warn("Failed to list result directory %s: %v", s.dir, err)

		return 0
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), resultExtension) {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())

		removeErr := os.Remove(path)
		if removeErr != nil {
			s.warn("Failed to remove expired result %s: %v", path, removeErr)

			continue
		}

		metrics.ResultRemoved(metrics.RemovedExpired)

		removed++
	}

	if removed > 0 && s.log != nil {
		s.log.Info("Removed %d expired result files from %s", removed, s.dir)
	}

	return removed
}

func (s *Sweeper) warn(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}
