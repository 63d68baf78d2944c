package nsz

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/falk/nxcodec/internal/logger"
	"github.com/falk/nxcodec/pkg/crypto"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/nca"
	"github.com/falk/nxcodec/pkg/source"
	"github.com/falk/nxcodec/pkg/zstd"
)

const (
	DefaultBlockExponent    = 20 // 1MB blocks (2^20)
	DefaultCompressionLevel = zstd.DefaultLevel

	solidChunkSize = 1 << 20
)

// Compressor turns an NCA into an NCZ. LongDistance widens the zstd window
// to 128MiB for solid frames and for each block encoder.
type Compressor struct {
	Level         int
	Threads       int
	LongDistance  bool
	Block         bool
	BlockExponent uint8
}

func (c Compressor) level() int {
	if c.Level == 0 {
		return DefaultCompressionLevel
	}
	return c.Level
}

func (c Compressor) threads() int {
	if c.Threads < 1 {
		return runtime.NumCPU()
	}
	return c.Threads
}

func (c Compressor) exponent() uint8 {
	if c.BlockExponent == 0 {
		return DefaultBlockExponent
	}
	return c.BlockExponent
}

// countingWriter tracks how many bytes reach w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Compress writes the NCZ form of r to w and returns the bytes written.
// Block mode needs w to be an io.WriteSeeker so the block table can be
// filled in at the end. r is read front to back once.
func (c Compressor) Compress(ctx context.Context, r *nca.Reader, w io.Writer) (int64, error) {
	h := r.Header()
	if !r.CompressionEligible() {
		return 0, fmt.Errorf("%w: %s nca", nxerrors.ErrNotCompressible, h.ContentType)
	}
	if exp := c.exponent(); c.Block && (exp < MinBlockExponent || exp > MaxBlockExponent) {
		return 0, fmt.Errorf("block size exponent %d outside [%d, %d]", exp, MinBlockExponent, MaxBlockExponent)
	}

	size := r.Size()
	if size <= NormalSize {
		return 0, nxerrors.Corrupt("nca of 0x%x bytes has nothing to compress", size)
	}

	var ws io.WriteSeeker
	if c.Block {
		var ok bool
		if ws, ok = w.(io.WriteSeeker); !ok {
			return 0, fmt.Errorf("%w: block mode needs a seekable writer", nxerrors.ErrNotSeekable)
		}
	}
	cw := &countingWriter{w: w}

	// 1. Copy uncompressable header
	prefix := make([]byte, NormalSize)
	if n, err := r.ReadEncrypted(prefix, 0); n != len(prefix) {
		return cw.n, fmt.Errorf("read nca prefix: %w", shortRead(err))
	}
	if _, err := cw.Write(prefix); err != nil {
		return cw.n, err
	}

	// 2. Write section header
	sections := Sections(r)
	if err := WriteNczHeader(cw, sections); err != nil {
		return cw.n, err
	}

	logger.LogInfo("Compressing NCA", map[string]interface{}{
		"program_id": fmt.Sprintf("%016x", h.ProgramID),
		"size":       size,
		"block":      c.Block,
		"level":      c.level(),
		"sections":   len(sections),
	})

	src := payload{Reader: r, sections: sections}
	var err error
	if c.Block {
		err = c.compressBlocks(ctx, src, cw, ws, size)
	} else {
		err = c.compressSolid(ctx, src, cw, sections)
	}
	if err != nil {
		return cw.n, err
	}

	logger.LogInfo("Compressed NCA", map[string]interface{}{
		"program_id": fmt.Sprintf("%016x", h.ProgramID),
		"written":    cw.n,
		"ratio":      fmt.Sprintf("%.2f%%", float64(cw.n)*100/float64(size)),
	})
	return cw.n, nil
}

// Sections lists the NCZ section table for r: one entry per fs section
// and plain entries for the gaps, together covering [NormalSize, size).
// Patch (AesCtrEx) sections get plain entries and are kept as stored.
func Sections(r *nca.Reader) []NczSectionEntry {
	key, _ := r.TitleKey()
	secs := append([]nca.Section(nil), r.Sections()...)
	sort.Slice(secs, func(i, j int) bool { return secs[i].Offset < secs[j].Offset })

	plain := func(off, size int64) NczSectionEntry {
		return NczSectionEntry{Offset: uint64(off), Size: uint64(size), CryptoType: uint64(nca.EncryptionNone)}
	}

	var out []NczSectionEntry
	pos := int64(NormalSize)
	for _, s := range secs {
		start, end := max(s.Offset, pos), s.Offset+s.Size
		if end <= start {
			continue
		}
		if start > pos {
			out = append(out, plain(pos, start-pos))
		}

		if s.Header.EncryptionType.IsCtrEx() {
			out = append(out, plain(start, end-start))
			pos = end
			continue
		}

		e := NczSectionEntry{
			Offset:     uint64(start),
			Size:       uint64(end - start),
			CryptoType: uint64(s.Header.EncryptionType),
		}
		if e.Encrypted() {
			e.CryptoKey = key
			e.CryptoCounter = crypto.SetCtr(s.Header.SectionCtr)
		}
		out = append(out, e)
		pos = end
	}
	if size := r.Size(); size > pos {
		out = append(out, plain(pos, size-pos))
	}
	return out
}

// payload serves the bytes an NCZ stores after its header: plaintext where
// a section is re-encrypted on decompression, the NCA as stored elsewhere.
type payload struct {
	*nca.Reader
	sections []NczSectionEntry
}

func (p payload) ReadAt(b []byte, off int64) (int, error) {
	total := 0
	for total < len(b) {
		pos := off + int64(total)
		buf := b[total:]
		read := p.Reader.ReadEncrypted
		for _, s := range p.sections {
			if !s.InRange(pos) {
				continue
			}
			if rem := s.End() - pos; int64(len(buf)) > rem {
				buf = buf[:rem]
			}
			if s.Encrypted() {
				read = p.Reader.ReadAt
			}
			break
		}

		n, err := read(buf, pos)
		total += n
		if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// compressSolid writes one zstd frame per section.
func (c Compressor) compressSolid(ctx context.Context, r payload, w io.Writer, sections []NczSectionEntry) error {
	enc, err := zstd.NewStreamEncoder(w, zstd.StreamOptions{
		Level:        c.level(),
		Threads:      c.threads(),
		LongDistance: c.LongDistance,
	})
	if err != nil {
		return err
	}
	defer enc.Close()

	buf := make([]byte, solidChunkSize)
	for i, s := range sections {
		if i > 0 {
			enc.Reset(w)
		}
		for off := int64(s.Offset); off < s.End(); {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %v", nxerrors.ErrCancelled, err)
			}
			chunk := buf[:min(int64(len(buf)), s.End()-off)]
			if err := source.ReadFull(r, chunk, off); err != nil {
				return fmt.Errorf("read 0x%x: %w", off, err)
			}
			if _, err := enc.Write(chunk); err != nil {
				return err
			}
			off += int64(len(chunk))
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finish section %d: %w", i, err)
		}
	}
	return nil
}

// compressBlocks reads the plaintext in order and hands each block to a
// worker pool. Results are written as soon as every earlier block is out.
func (c Compressor) compressBlocks(parent context.Context, r payload, w io.Writer, ws io.WriteSeeker, size int64) error {
	exp := c.exponent()
	blockSize := int64(1) << exp
	dataSize := size - NormalSize
	blockCount := (dataSize + blockSize - 1) / blockSize
	if blockCount > math.MaxUint32 {
		return fmt.Errorf("%d blocks exceed the ncz block table", blockCount)
	}

	if err := WriteBlockHeader(w, exp, uint32(blockCount), uint64(dataSize)); err != nil {
		return err
	}
	// Reserve space for compressed size table
	sizeListOffset, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, blockCount*4)); err != nil {
		return err
	}

	compressedSizes, err := c.runBlocks(parent, r, w, blockSize, int(blockCount), size)
	if err != nil {
		return err
	}

	// Write size table
	endPos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := ws.Seek(sizeListOffset, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(ws, binary.LittleEndian, compressedSizes); err != nil {
		return err
	}
	_, err = ws.Seek(endPos, io.SeekStart)
	return err
}

func (c Compressor) runBlocks(parent context.Context, r payload, w io.Writer, blockSize int64, blockCount int, size int64) ([]uint32, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	numWorkers := c.threads()
	level := c.level()
	compress := zstd.Compress
	if c.LongDistance {
		compress = zstd.CompressLong
	}

	type work struct {
		index int
		data  []byte
	}
	type result struct {
		index int
		data  []byte
	}

	workCh := make(chan work, numWorkers)
	resultCh := make(chan result, numWorkers)
	inFlight := make(chan struct{}, numWorkers*4)

	// Workers: compress, keeping the raw block when zstd does not shrink it
	var workerWg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for job := range workCh {
				data := job.data
				if compressed := compress(job.data, level); len(compressed) < len(job.data) {
					data = compressed
				}
				resultCh <- result{job.index, data}
			}
		}()
	}

	// Reader: one block at a time, front to back
	var readErr error
	go func() {
		defer close(workCh)
		for i := 0; i < blockCount; i++ {
			select {
			case inFlight <- struct{}{}:
			case <-ctx.Done():
				return
			}

			offset := NormalSize + int64(i)*blockSize
			buf := make([]byte, min(blockSize, size-offset))
			if err := source.ReadFull(r, buf, offset); err != nil {
				readErr = fmt.Errorf("read block %d: %w", i, err)
				cancel()
				return
			}

			select {
			case workCh <- work{i, buf}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		workerWg.Wait()
		close(resultCh)
	}()

	// Writer: this goroutine, in block order
	compressedSizes := make([]uint32, blockCount)
	pending := make(map[int][]byte)
	next := 0
	var writeErr error
	for res := range resultCh {
		pending[res.index] = res.data
		for data, ok := pending[next]; ok; data, ok = pending[next] {
			delete(pending, next)
			if writeErr == nil {
				if _, writeErr = w.Write(data); writeErr != nil {
					writeErr = fmt.Errorf("write block %d: %w", next, writeErr)
					cancel()
				}
			}
			compressedSizes[next] = uint32(len(data))
			next++
			<-inFlight
		}
	}

	switch {
	case parent.Err() != nil:
		return nil, fmt.Errorf("%w: %v", nxerrors.ErrCancelled, parent.Err())
	case readErr != nil:
		return nil, readErr
	case writeErr != nil:
		return nil, writeErr
	case next != blockCount:
		return nil, fmt.Errorf("compressed %d of %d blocks", next, blockCount)
	}
	return compressedSizes, nil
}

func shortRead(err error) error {
	if err == nil || err == io.EOF {
		return nxerrors.Corrupt("short read")
	}
	return err
}
