package source

import (
	"io"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

// Section exposes the window [off, off+size) of another source as a source
// starting at zero.
type Section struct {
	src  Source
	off  int64
	size int64
}

// NewSection returns the window of src starting at off holding size bytes.
func NewSection(src Source, off, size int64) *Section {
	return &Section{src: src, off: off, size: size}
}

func (s *Section) Size() int64    { return s.size }
func (s *Section) IsStream() bool { return s.src.IsStream() }
func (s *Section) SignalCancel()  { s.src.SignalCancel() }

func (s *Section) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nxerrors.ErrInvalidOffset
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := clamp(len(p), off, s.size)
	if want == 0 {
		return 0, io.EOF
	}

	n, err := s.src.ReadAt(p[:want], s.off+off)
	if err != nil && !(err == io.EOF && n == want) {
		return n, err
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}
