// Package zstd wraps klauspost/compress/zstd with the pooling and options
// the NCZ codec needs.
package zstd

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	DefaultLevel = 18

	// LongDistanceWindow is the window used when long distance matching
	// is requested.
	LongDistanceWindow = 1 << 27
)

type (
	Encoder = zstd.Encoder
	Decoder = zstd.Decoder
)

var (
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

	// Encoder pools by compression level and window
	encoderPools = make(map[poolKey]*sync.Pool)
	poolMu       sync.RWMutex
)

type poolKey struct {
	level int
	long  bool
}

func getEncoderPool(key poolKey) *sync.Pool {
	poolMu.RLock()
	pool, ok := encoderPools[key]
	poolMu.RUnlock()
	if ok {
		return pool
	}

	poolMu.Lock()
	defer poolMu.Unlock()

	if pool, ok = encoderPools[key]; ok {
		return pool
	}

	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(key.level)),
		zstd.WithEncoderConcurrency(1),
	}
	if key.long {
		opts = append(opts, zstd.WithWindowSize(LongDistanceWindow))
	}
	pool = &sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, opts...)
			return enc
		},
	}
	encoderPools[key] = pool
	return pool
}

// Compress compresses data as one frame using a pooled encoder.
func Compress(src []byte, level int) []byte {
	return encodeAll(src, poolKey{level: level})
}

// CompressLong is Compress with the long distance window.
func CompressLong(src []byte, level int) []byte {
	return encodeAll(src, poolKey{level: level, long: true})
}

func encodeAll(src []byte, key poolKey) []byte {
	pool := getEncoderPool(key)
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)

	return enc.EncodeAll(src, make([]byte, 0, len(src)))
}

// Decompress decompresses zstd data.
func Decompress(src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, nil)
}

// StreamOptions configures a streaming encoder.
type StreamOptions struct {
	Level        int
	Threads      int
	LongDistance bool
}

// NewStreamEncoder returns an encoder writing frames to w. Close ends the
// current frame; Reset starts a new one on another writer.
func NewStreamEncoder(w io.Writer, opts StreamOptions) (*Encoder, error) {
	level := opts.Level
	if level == 0 {
		level = DefaultLevel
	}
	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}

	eopts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(threads),
	}
	if opts.LongDistance {
		eopts = append(eopts, zstd.WithWindowSize(LongDistanceWindow))
	}

	enc, err := zstd.NewWriter(w, eopts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return enc, nil
}

// NewStreamDecoder returns a decoder reading concatenated frames from r.
// The caller must Close it.
func NewStreamDecoder(r io.Reader) (*Decoder, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return dec, nil
}
