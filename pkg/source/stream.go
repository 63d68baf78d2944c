package source

import (
	"fmt"
	"io"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

// Stream adapts a forward-only reader, such as a USB or network transfer,
// to Source. Reads must be sequential; a read at any other offset than the
// current position fails with ErrNotSeekable.
type Stream struct {
	Canceller
	r    io.Reader
	pos  int64
	size int64
}

// NewStream wraps r. size may be -1 when unknown.
func NewStream(r io.Reader, size int64) *Stream {
	return &Stream{r: r, size: size}
}

func (s *Stream) Size() int64    { return s.size }
func (s *Stream) IsStream() bool { return true }

// Offset returns the position of the next read.
func (s *Stream) Offset() int64 { return s.pos }

func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if err := s.Err(); err != nil {
		return 0, err
	}
	if off != s.pos {
		return 0, fmt.Errorf("%w: read at 0x%x, stream is at 0x%x", nxerrors.ErrNotSeekable, off, s.pos)
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := clamp(len(p), off, s.size)
	if want == 0 {
		return 0, io.EOF
	}

	n, err := io.ReadFull(s.r, p[:want])
	s.pos += int64(n)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && n == 0) {
		return n, io.EOF
	}
	if err != nil {
		return n, &nxerrors.IOError{Op: "stream read", Offset: off, Err: err}
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}
