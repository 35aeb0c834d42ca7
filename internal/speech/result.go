package speech

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/book-expert/voice-clone-service/internal/metrics"
)

// Result is a generated speech file owned by the caller.
type Result struct {
	Path       string
	SampleRate int
	Duration   time.Duration
	Size       int64

	once sync.Once
	err  error
}

// Release deletes the file. It is safe to call more than once; a file that
// is already gone is not an error.
func (r *Result) Release() error {
	if r == nil {
		return nil
	}

	r.once.Do(func() {
		err := os.Remove(r.Path)
		switch {
		case err == nil:
			metrics.ResultRemoved(metrics.RemovedReleased)
		case errors.Is(err, fs.ErrNotExist):
		default:
			r.err = fmt.Errorf("failed to remove result %s: %w", r.Path, err)
		}
	})

	return r.err
}
