package source

import (
	"io"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/lru"
)

const (
	DefaultChunkSize  = 0x40000 // 256KiB
	DefaultChunkCount = 16
)

// Buffered caches fixed-size aligned chunks of another source so that many
// small reads, as done by the header and container parsers, hit the
// underlying storage once. Not safe for concurrent use.
type Buffered struct {
	src       Source
	chunkSize int64
	cache     *lru.Cache[int64, []byte]
}

// NewBuffered wraps src with count chunks of chunkSize bytes. Zero values
// select the defaults.
func NewBuffered(src Source, chunkSize, count int) *Buffered {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if count <= 0 {
		count = DefaultChunkCount
	}
	return &Buffered{
		src:       src,
		chunkSize: int64(chunkSize),
		cache:     lru.New[int64, []byte](count),
	}
}

func (b *Buffered) Size() int64    { return b.src.Size() }
func (b *Buffered) IsStream() bool { return b.src.IsStream() }
func (b *Buffered) SignalCancel()  { b.src.SignalCancel() }

func (b *Buffered) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nxerrors.ErrInvalidOffset
	}
	// Streams cannot refill a chunk behind the current position.
	if b.src.IsStream() {
		return b.src.ReadAt(p, off)
	}

	total := 0
	for total < len(p) {
		chunk, err := b.chunk((off + int64(total)) / b.chunkSize)
		if err != nil {
			return total, err
		}

		inChunk := (off + int64(total)) % b.chunkSize
		if inChunk >= int64(len(chunk)) {
			return total, io.EOF
		}
		n := copy(p[total:], chunk[inChunk:])
		total += n

		// A partial chunk is the end of the source.
		if int64(len(chunk)) < b.chunkSize && total < len(p) {
			return total, io.EOF
		}
	}
	return total, nil
}

func (b *Buffered) chunk(index int64) ([]byte, error) {
	if data, ok := b.cache.Get(index); ok {
		return data, nil
	}

	slot := b.cache.Evict()
	buf := *b.cache.Slot(slot)
	if int64(cap(buf)) < b.chunkSize {
		buf = make([]byte, b.chunkSize)
	}
	buf = buf[:b.chunkSize]

	n, err := b.src.ReadAt(buf, index*b.chunkSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	*b.cache.Slot(slot) = buf
	b.cache.Assign(slot, index)
	return buf, nil
}
