package capture

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/google/renameio/v2"
)

// fileOutput is a buffered pending file that only appears at its final path
// once committed.
type fileOutput struct {
	path    string
	pending *renameio.PendingFile
	buf     *bufio.Writer
	n       atomic.Int64
	done    bool
}

func createFileOutput(path string) (*fileOutput, error) {
	pending, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(filepath.Dir(path)),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIOFailure, path, err)
	}
	return &fileOutput{
		path:    path,
		pending: pending,
		buf:     bufio.NewWriterSize(pending, 256<<10),
	}, nil
}

// Write implements io.Writer. fileOutput is not an io.Closer; pion media
// writers close their writer when it is one.
func (f *fileOutput) Write(p []byte) (int, error) {
	n, err := f.buf.Write(p)
	f.n.Add(int64(n))
	return n, err
}

// Bytes returns the number of bytes written.
func (f *fileOutput) Bytes() int64 {
	return f.n.Load()
}

// commit flushes and atomically moves the file into place.
func (f *fileOutput) commit() error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.buf.Flush(); err != nil {
		f.pending.Cleanup()
		return fmt.Errorf("flush %s: %w", f.path, err)
	}
	if err := f.pending.CloseAtomicallyReplace(); err != nil {
		f.pending.Cleanup()
		return fmt.Errorf("commit %s: %w", f.path, err)
	}
	return nil
}

// discard removes the pending file.
func (f *fileOutput) discard() error {
	if f.done {
		return nil
	}
	f.done = true
	return f.pending.Cleanup()
}
