package source

import (
	"bytes"
	"io"
	"os"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

// File serves reads from an io.ReaderAt of known size, such as an *os.File.
type File struct {
	Canceller
	r    io.ReaderAt
	size int64
}

// NewFile wraps r, which holds size bytes.
func NewFile(r io.ReaderAt, size int64) *File {
	return &File{r: r, size: size}
}

// OpenFile opens path for reading. The caller closes the returned file.
func OpenFile(path string) (*File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return NewFile(f, fi.Size()), f, nil
}

// NewMemory serves reads from an in-memory buffer.
func NewMemory(b []byte) *File {
	return NewFile(bytes.NewReader(b), int64(len(b)))
}

func (f *File) Size() int64    { return f.size }
func (f *File) IsStream() bool { return false }

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := f.Err(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, nxerrors.ErrInvalidOffset
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := clamp(len(p), off, f.size)
	if want == 0 {
		return 0, io.EOF
	}

	n, err := f.r.ReadAt(p[:want], off)
	if err != nil && !(err == io.EOF && n == want) {
		return n, &nxerrors.IOError{Op: "read", Offset: off, Err: err}
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}
