// Package source defines the random-access byte source every codec layer
// reads from and is itself exposed as, so decoders can wrap one another.
package source

import (
	"io"
	"sync/atomic"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

// Source is a random-access byte source.
//
// ReadAt follows io.ReaderAt: a read reaching past the end is clamped to the
// available bytes and returns io.EOF alongside the short count. Failures of
// the underlying storage are reported as *errors.IOError.
type Source interface {
	io.ReaderAt

	// Size returns the total number of bytes, or -1 if unknown.
	Size() int64

	// IsStream reports that the source is forward-only, e.g. a live USB
	// transfer, and random-access assumptions must not be made.
	IsStream() bool

	// SignalCancel makes pending and future reads fail with ErrCancelled.
	SignalCancel()
}

// ReadFull reads exactly len(p) bytes at off. A short read means the data
// the caller was promised is not there and is reported as a corrupt
// container.
func ReadFull(src Source, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return nxerrors.Corrupt("short read at 0x%x: got %d of %d bytes", off, n, len(p))
	}
	return err
}

// clamp limits a read of n bytes at off to a source of the given size.
func clamp(n int, off, size int64) int {
	if size < 0 {
		return n
	}
	if off >= size {
		return 0
	}
	if rem := size - off; int64(n) > rem {
		return int(rem)
	}
	return n
}

// Canceller is embedded by sources to implement SignalCancel.
type Canceller struct {
	cancelled atomic.Bool
}

// SignalCancel marks the source as cancelled.
func (c *Canceller) SignalCancel() { c.cancelled.Store(true) }

// Cancelled reports whether SignalCancel has been called.
func (c *Canceller) Cancelled() bool { return c.cancelled.Load() }

// Err returns ErrCancelled once cancelled.
func (c *Canceller) Err() error {
	if c.Cancelled() {
		return nxerrors.ErrCancelled
	}
	return nil
}
