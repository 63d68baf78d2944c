// Package nsz reads and writes NCZ, the zstd compressed form of an NCA.
//
// An NCZ keeps the first 0x4000 bytes of the NCA as stored, followed by a
// section table describing how to re-encrypt the plaintext and the
// compressed plaintext itself: either one solid zstd stream or
// independently compressed blocks listed in a block table.
package nsz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

const (
	MagicNCZSECTN = "NCZSECTN"
	MagicNCZBLOCK = "NCZBLOCK"

	// NormalSize is the stored prefix of the NCA that is never compressed.
	NormalSize = 0x4000

	headerSize      = 0x10
	sectionSize     = 0x40
	blockHeaderSize = 0x18

	BlockVersion     = 2
	BlockType        = 1
	MinBlockExponent = 14
	MaxBlockExponent = 32

	maxSections = 0x100
)

type NczSectionHeader struct {
	Magic        [8]byte // NCZSECTN
	SectionCount uint64
}

// NczSectionEntry describes one plaintext range of the NCA and how it was
// encrypted. CryptoType holds the NCA encryption type.
type NczSectionEntry struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

func (s NczSectionEntry) End() int64 { return int64(s.Offset + s.Size) }

// InRange reports whether the absolute NCA offset off lies in the section.
func (s NczSectionEntry) InRange(off int64) bool {
	return off >= int64(s.Offset) && off < s.End()
}

// Encrypted reports whether the section is stored with AES-CTR.
func (s NczSectionEntry) Encrypted() bool {
	switch s.CryptoType {
	case 3, 4, 5, 6:
		return true
	}
	return false
}

type NczBlockHeader struct {
	Magic            [8]byte // NCZBLOCK
	Version          uint8   // 2
	Type             uint8   // 1
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

func (b *NczBlockHeader) BlockSize() int64 { return int64(1) << b.BlockSizeExp }

// ExpectedSize returns the decompressed size of block i.
func (b *NczBlockHeader) ExpectedSize(i int) int64 {
	size := b.BlockSize()
	if i == int(b.BlockCount)-1 {
		if rem := int64(b.DecompressedSize) % size; rem != 0 {
			return rem
		}
	}
	return size
}

// Validate checks the version, type, block count and exponent.
func (b *NczBlockHeader) Validate() error {
	switch {
	case string(b.Magic[:]) != MagicNCZBLOCK:
		return nxerrors.Corrupt("bad ncz block magic %q", b.Magic[:])
	case b.Version != BlockVersion:
		return nxerrors.Corrupt("ncz block version %d", b.Version)
	case b.Type != BlockType:
		return nxerrors.Corrupt("ncz block type %d", b.Type)
	case b.BlockCount == 0:
		return nxerrors.Corrupt("ncz block table is empty")
	case b.BlockSizeExp < MinBlockExponent || b.BlockSizeExp > MaxBlockExponent:
		return nxerrors.Corrupt("ncz block size exponent %d outside [%d, %d]", b.BlockSizeExp, MinBlockExponent, MaxBlockExponent)
	}

	size := uint64(b.BlockSize())
	if want := (b.DecompressedSize + size - 1) / size; want != uint64(b.BlockCount) {
		return nxerrors.Corrupt("ncz has %d blocks, decompressed size 0x%x needs %d", b.BlockCount, b.DecompressedSize, want)
	}
	return nil
}

// File is a parsed NCZ.
type File struct {
	Sections []NczSectionEntry

	// Block is nil when the payload is a solid stream.
	Block      *NczBlockHeader
	BlockSizes []uint32

	// PayloadOffset is where the compressed data starts.
	PayloadOffset int64

	// lookahead holds the payload bytes consumed while probing for a block
	// header, so solid payloads can be decoded from forward-only sources.
	lookahead []byte
}

func (f *File) IsBlock() bool { return f.Block != nil }

// NcaSize returns the size of the NCA the file decompresses to.
func (f *File) NcaSize() int64 {
	if f.Block != nil {
		return NormalSize + int64(f.Block.DecompressedSize)
	}
	end := int64(NormalSize)
	for _, s := range f.Sections {
		if s.End() > end {
			end = s.End()
		}
	}
	return end
}

// Parse reads the NCZ header, section table and block table of src. The
// reads are sequential from NormalSize, so a stream source positioned there
// can be parsed.
func Parse(src source.Source) (*File, error) {
	raw := make([]byte, headerSize)
	if err := source.ReadFull(src, raw, NormalSize); err != nil {
		return nil, fmt.Errorf("read ncz header: %w", err)
	}
	var hdr NczSectionHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != MagicNCZSECTN {
		return nil, fmt.Errorf("%w: ncz header %q", nxerrors.ErrBadMagic, hdr.Magic[:])
	}
	if hdr.SectionCount == 0 || hdr.SectionCount > maxSections {
		return nil, nxerrors.Corrupt("ncz section count %d", hdr.SectionCount)
	}

	pos := int64(NormalSize + headerSize)
	raw = make([]byte, hdr.SectionCount*sectionSize)
	if err := source.ReadFull(src, raw, pos); err != nil {
		return nil, fmt.Errorf("read ncz sections: %w", err)
	}
	pos += int64(len(raw))

	f := &File{Sections: make([]NczSectionEntry, hdr.SectionCount)}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, f.Sections); err != nil {
		return nil, err
	}
	for i, s := range f.Sections {
		if s.Offset < NormalSize || s.Offset+s.Size < s.Offset || s.End() < 0 {
			return nil, nxerrors.Corrupt("ncz section %d range [0x%x, +0x%x)", i, s.Offset, s.Size)
		}
	}

	// Peek at a block header. Without one the peeked bytes belong to
	// the solid stream.
	peek := make([]byte, blockHeaderSize)
	n, err := src.ReadAt(peek, pos)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read ncz block header: %w", err)
	}
	peek = peek[:n]
	if n < len(MagicNCZBLOCK) || string(peek[:len(MagicNCZBLOCK)]) != MagicNCZBLOCK {
		f.PayloadOffset = pos
		f.lookahead = peek
		return f, nil
	}
	if n < blockHeaderSize {
		return nil, nxerrors.Corrupt("truncated ncz block header")
	}

	f.Block = new(NczBlockHeader)
	if err := binary.Read(bytes.NewReader(peek), binary.LittleEndian, f.Block); err != nil {
		return nil, err
	}
	if err := f.Block.Validate(); err != nil {
		return nil, err
	}
	pos += blockHeaderSize

	count := int64(f.Block.BlockCount)
	if size := src.Size(); size >= 0 && count*4 > size-pos {
		return nil, nxerrors.Corrupt("ncz block table of %d entries exceeds file size", count)
	}
	raw = make([]byte, count*4)
	if err := source.ReadFull(src, raw, pos); err != nil {
		return nil, fmt.Errorf("read ncz block table: %w", err)
	}
	pos += int64(len(raw))

	f.BlockSizes = make([]uint32, count)
	var total int64
	for i := range f.BlockSizes {
		f.BlockSizes[i] = binary.LittleEndian.Uint32(raw[i*4:])
		total += int64(f.BlockSizes[i])
	}
	f.PayloadOffset = pos

	if size := src.Size(); size >= 0 && total != size-pos {
		return nil, nxerrors.Corrupt("ncz blocks sum to 0x%x, payload holds 0x%x", total, size-pos)
	}
	return f, nil
}

// payloadLimit returns how many compressed bytes follow PayloadOffset.
func (f *File) payloadLimit(src source.Source) int64 {
	if size := src.Size(); size >= 0 {
		return size - f.PayloadOffset
	}
	return math.MaxInt64 - f.PayloadOffset
}

// WriteNczHeader writes the section header and table.
func WriteNczHeader(w io.Writer, sections []NczSectionEntry) error {
	var h NczSectionHeader
	copy(h.Magic[:], MagicNCZSECTN)
	h.SectionCount = uint64(len(sections))

	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}

	for _, s := range sections {
		if err := binary.Write(w, binary.LittleEndian, s); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlockHeader writes a block header for the given geometry.
func WriteBlockHeader(w io.Writer, exponent uint8, blockCount uint32, decompressedSize uint64) error {
	h := NczBlockHeader{
		Version:          BlockVersion,
		Type:             BlockType,
		BlockSizeExp:     exponent,
		BlockCount:       blockCount,
		DecompressedSize: decompressedSize,
	}
	copy(h.Magic[:], MagicNCZBLOCK)
	return binary.Write(w, binary.LittleEndian, h)
}
