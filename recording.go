package capture

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recording is the result of a finished run, handed to whoever shares or
// exports the output.
type Recording struct {
	Path     string
	Bytes    int64
	Duration time.Duration
	Samples  uint64
	RunID    string
}

// DefaultOutputPath returns a unique output path in dir (os.TempDir when
// empty) with extension ext, e.g. "/tmp/capture-<uuid>.mp4".
func DefaultOutputPath(dir, ext string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(dir, "capture-"+uuid.NewString()+ext)
}
