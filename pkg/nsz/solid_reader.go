package nsz

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
	"github.com/falk/nxcodec/pkg/zstd"
)

// SolidReader decodes the single zstd stream of a solid NCZ. It only moves
// forward: every read must start where the previous one ended, beginning
// at NormalSize.
type SolidReader struct {
	f    *File
	src  source.Source
	dec  *zstd.Decoder
	pos  int64
	size int64
}

// NewSolidReader starts decoding the payload of f. Close releases the
// decoder.
func NewSolidReader(f *File, src source.Source) (*SolidReader, error) {
	if f.Block != nil {
		return nil, fmt.Errorf("%w: ncz is block compressed", nxerrors.ErrCorruptContainer)
	}

	start := f.PayloadOffset + int64(len(f.lookahead))
	payload := io.MultiReader(
		bytes.NewReader(f.lookahead),
		io.NewSectionReader(src, start, f.payloadLimit(src)-int64(len(f.lookahead))),
	)
	dec, err := zstd.NewStreamDecoder(payload)
	if err != nil {
		return nil, err
	}
	return &SolidReader{f: f, src: src, dec: dec, pos: NormalSize, size: f.NcaSize()}, nil
}

func (r *SolidReader) Size() int64    { return r.size }
func (r *SolidReader) IsStream() bool { return true }
func (r *SolidReader) SignalCancel()  { r.src.SignalCancel() }

// Offset returns the NCA offset of the next read.
func (r *SolidReader) Offset() int64 { return r.pos }

func (r *SolidReader) ReadAt(p []byte, off int64) (int, error) {
	if off < NormalSize {
		return 0, fmt.Errorf("%w: 0x%x is inside the stored ncz prefix", nxerrors.ErrInvalidOffset, off)
	}
	if off != r.pos {
		return 0, fmt.Errorf("%w: read at 0x%x, solid ncz is at 0x%x", nxerrors.ErrNotSeekable, off, r.pos)
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := len(p)
	if rem := r.size - off; int64(want) > rem {
		want = int(max(rem, 0))
	}
	if want == 0 {
		return 0, io.EOF
	}

	n, err := io.ReadFull(r.dec, p[:want])
	r.pos += int64(n)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return n, nxerrors.Corrupt("solid ncz stream ended at 0x%x, expected 0x%x", r.pos, r.size)
	case errors.Is(err, nxerrors.ErrCancelled), errors.Is(err, nxerrors.ErrIO):
		return n, err
	case err != nil:
		return n, fmt.Errorf("%w: solid ncz: %v", nxerrors.ErrCorruptContainer, err)
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the decoder.
func (r *SolidReader) Close() error {
	r.dec.Close()
	return nil
}
