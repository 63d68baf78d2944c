package nsz

import (
	"fmt"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/lru"
	"github.com/falk/nxcodec/pkg/source"
	"github.com/falk/nxcodec/pkg/zstd"
)

// DefaultCacheBytes bounds the decompressed blocks a BlockReader keeps.
const DefaultCacheBytes = 32 << 20

// BlockReader serves the decompressed NCA plaintext of a block-mode NCZ.
// Offsets are NCA offsets; the stored prefix below NormalSize is not served.
// A BlockReader is not safe for concurrent use.
type BlockReader struct {
	f         *File
	src       source.Source
	blockSize int64
	offsets   []int64 // absolute offset of each compressed block
	cache     *lru.Cache[int, []byte]
}

// NewBlockReader prepares random access to the blocks of f stored in src.
// cacheBytes of zero or less selects DefaultCacheBytes.
func NewBlockReader(f *File, src source.Source, cacheBytes int64) (*BlockReader, error) {
	if f.Block == nil {
		return nil, fmt.Errorf("%w: ncz has no block table", nxerrors.ErrNotSeekable)
	}
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}

	r := &BlockReader{
		f:         f,
		src:       src,
		blockSize: f.Block.BlockSize(),
		offsets:   make([]int64, len(f.BlockSizes)),
	}
	off := f.PayloadOffset
	for i, size := range f.BlockSizes {
		r.offsets[i] = off
		off += int64(size)
	}
	r.cache = lru.New[int, []byte](int(max(1, cacheBytes/r.blockSize)))
	return r, nil
}

func (r *BlockReader) Size() int64    { return r.f.NcaSize() }
func (r *BlockReader) IsStream() bool { return r.src.IsStream() }
func (r *BlockReader) SignalCancel()  { r.src.SignalCancel() }

// ReadAt copies decompressed bytes starting at the NCA offset off. Any
// byte of the read beyond the block table fails it with
// ErrBlockIndexOutOfRange; NcaSource clamps reads to the NCA size first.
func (r *BlockReader) ReadAt(p []byte, off int64) (int, error) {
	if off < NormalSize {
		return 0, fmt.Errorf("%w: 0x%x is inside the stored ncz prefix", nxerrors.ErrInvalidOffset, off)
	}

	total := 0
	pos := off - NormalSize
	for total < len(p) {
		index := pos / r.blockSize
		block, err := r.block(index)
		if err != nil {
			return total, err
		}

		inner := pos % r.blockSize
		if inner >= int64(len(block)) {
			return total, fmt.Errorf("%w: offset 0x%x is past the end of the last block",
				nxerrors.ErrBlockIndexOutOfRange, NormalSize+pos)
		}
		n := copy(p[total:], block[inner:])
		total += n
		pos += int64(n)
	}
	return total, nil
}

// block returns the decompressed block at index, from the cache if present.
func (r *BlockReader) block(index int64) ([]byte, error) {
	if index < 0 || index >= int64(len(r.offsets)) {
		return nil, fmt.Errorf("%w: block %d of %d", nxerrors.ErrBlockIndexOutOfRange, index, len(r.offsets))
	}
	i := int(index)
	if data, ok := r.cache.Get(i); ok {
		return data, nil
	}

	stored := make([]byte, r.f.BlockSizes[i])
	if err := source.ReadFull(r.src, stored, r.offsets[i]); err != nil {
		return nil, fmt.Errorf("read ncz block %d: %w", i, err)
	}

	// A block no smaller than its plaintext was stored raw.
	expected := r.f.Block.ExpectedSize(i)
	data := stored
	if int64(len(stored)) > expected {
		data = stored[:expected]
	}
	if int64(len(stored)) < expected {
		out, err := zstd.Decompress(stored)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", nxerrors.ErrCorruptContainer, i, err)
		}
		if int64(len(out)) != expected {
			return nil, fmt.Errorf("%w: block %d decompressed to 0x%x bytes, expected 0x%x",
				nxerrors.ErrZstdDecompressSizeMismatch, i, len(out), expected)
		}
		data = out
	}

	r.cache.Put(i, data)
	return data, nil
}
