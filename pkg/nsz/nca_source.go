package nsz

import (
	"fmt"
	"io"

	"github.com/falk/nxcodec/internal/logger"
	"github.com/falk/nxcodec/pkg/crypto"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

// NcaSource presents an NCZ as the NCA it was made from: the stored prefix
// followed by the decompressed payload, re-encrypted section by section.
// nca.Open accepts it like any other source.
type NcaSource struct {
	src     source.Source
	file    *File
	prefix  []byte
	payload source.Source // plaintext from NormalSize on
	size    int64
}

// OpenNca opens an NCZ with the default block cache.
func OpenNca(src source.Source) (*NcaSource, error) {
	return OpenNcaWithCache(src, DefaultCacheBytes)
}

// OpenNcaWithCache opens an NCZ, keeping up to cacheBytes of decompressed
// blocks for block-mode files.
func OpenNcaWithCache(src source.Source, cacheBytes int64) (*NcaSource, error) {
	prefix := make([]byte, NormalSize)
	if err := source.ReadFull(src, prefix, 0); err != nil {
		return nil, fmt.Errorf("read ncz prefix: %w", err)
	}

	f, err := Parse(src)
	if err != nil {
		return nil, err
	}

	s := &NcaSource{src: src, file: f, prefix: prefix, size: f.NcaSize()}
	if f.IsBlock() {
		s.payload, err = NewBlockReader(f, src, cacheBytes)
	} else {
		s.payload, err = NewSolidReader(f, src)
	}
	if err != nil {
		return nil, err
	}

	logger.LogDebug("Opened NCZ", map[string]interface{}{
		"sections": len(f.Sections),
		"block":    f.IsBlock(),
		"nca_size": s.size,
	})
	return s, nil
}

// File returns the parsed NCZ metadata.
func (s *NcaSource) File() *File { return s.file }

func (s *NcaSource) Size() int64    { return s.size }
func (s *NcaSource) IsStream() bool { return s.payload.IsStream() }
func (s *NcaSource) SignalCancel()  { s.src.SignalCancel() }

func (s *NcaSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nxerrors.ErrInvalidOffset
	}
	if off >= s.size {
		return 0, io.EOF
	}

	total := 0
	if off < NormalSize {
		total = copy(p, s.prefix[off:])
	}
	if total == len(p) {
		return total, nil
	}

	pos := off + int64(total)
	buf := p[total:]
	short := false
	if rem := s.size - pos; int64(len(buf)) > rem {
		buf = buf[:rem]
		short = true
	}

	n, err := s.payload.ReadAt(buf, pos)
	if n > 0 {
		if cerr := s.encrypt(buf[:n], pos); cerr != nil {
			return total, cerr
		}
	}
	total += n
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return total, err
	}
	if short {
		return total, io.EOF
	}
	return total, nil
}

// encrypt applies the crypto of every section overlapping buf, which holds
// the plaintext at pos.
func (s *NcaSource) encrypt(buf []byte, pos int64) error {
	end := pos + int64(len(buf))
	for _, sec := range s.file.Sections {
		if !sec.Encrypted() || sec.End() <= pos || int64(sec.Offset) >= end {
			continue
		}
		start := max(pos, int64(sec.Offset))
		stop := min(end, sec.End())
		if err := crypto.CTRXor(buf[start-pos:stop-pos], sec.CryptoKey[:], sec.CryptoCounter[:], start); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the decoder of a solid NCZ.
func (s *NcaSource) Close() error {
	if c, ok := s.payload.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
