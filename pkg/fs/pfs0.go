package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

const (
	MagicPFS0 = "PFS0"
	MagicHFS0 = "HFS0"

	partitionHeaderSize = 16
	pfs0EntrySize       = 24
	hfs0EntrySize       = 0x40

	// Upper bound on entries, far above anything real, so a corrupt count
	// cannot make the parser allocate gigabytes.
	maxPartitionEntries = 0x10000
)

// PartitionHeader is the 16-byte header shared by PFS0 and HFS0.
type PartitionHeader struct {
	Magic           [4]byte
	NumFiles        uint32
	StringTableSize uint32
	Reserved        uint32
}

// PartitionEntry is a file table entry. HashedSize and Hash are only
// present in HFS0.
type PartitionEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	HashedSize uint32
	Hash       [0x20]byte
}

// Partition is a parsed PFS0 or HFS0 table.
type Partition struct {
	Header  PartitionHeader
	Entries []PartitionEntry
	Names   []string

	// Base is where the partition starts; DataOffset is where file data
	// starts, both absolute.
	Base       int64
	DataOffset int64
}

// ReadPartition parses the PFS0 or HFS0 table at base.
func ReadPartition(src source.Source, base, limit int64, magic string) (*Partition, error) {
	limit, err := resolveLimit(src, base, limit)
	if err != nil {
		return nil, err
	}
	avail := limit - base

	entrySize := pfs0EntrySize
	if magic == MagicHFS0 {
		entrySize = hfs0EntrySize
	}

	if err := checkRange(magic+" header", 0, partitionHeaderSize, avail); err != nil {
		return nil, err
	}
	hdr := make([]byte, partitionHeaderSize)
	if err := source.ReadFull(src, hdr, base); err != nil {
		return nil, err
	}

	var p Partition
	copy(p.Header.Magic[:], hdr[0:4])
	p.Header.NumFiles = binary.LittleEndian.Uint32(hdr[4:])
	p.Header.StringTableSize = binary.LittleEndian.Uint32(hdr[8:])
	p.Header.Reserved = binary.LittleEndian.Uint32(hdr[12:])

	if string(p.Header.Magic[:]) != magic {
		return nil, fmt.Errorf("%w: expected %s, got %q", nxerrors.ErrBadMagic, magic, p.Header.Magic[:])
	}
	if p.Header.NumFiles > maxPartitionEntries {
		return nil, nxerrors.Corrupt("%s claims %d files", magic, p.Header.NumFiles)
	}

	tableSize := uint64(p.Header.NumFiles) * uint64(entrySize)
	metaSize := tableSize + uint64(p.Header.StringTableSize)
	if err := checkRange(magic+" file table", partitionHeaderSize, metaSize, avail); err != nil {
		return nil, err
	}

	meta := make([]byte, metaSize)
	if err := source.ReadFull(src, meta, base+partitionHeaderSize); err != nil {
		return nil, err
	}
	stringTable := meta[tableSize:]

	p.Base = base
	p.DataOffset = base + partitionHeaderSize + int64(metaSize)
	dataAvail := limit - p.DataOffset

	p.Entries = make([]PartitionEntry, p.Header.NumFiles)
	p.Names = make([]string, p.Header.NumFiles)
	for i := range p.Entries {
		b := meta[i*entrySize:]
		e := &p.Entries[i]
		e.DataOffset = binary.LittleEndian.Uint64(b[0:])
		e.DataSize = binary.LittleEndian.Uint64(b[8:])
		e.NameOffset = binary.LittleEndian.Uint32(b[16:])
		if magic == MagicHFS0 {
			e.HashedSize = binary.LittleEndian.Uint32(b[20:])
			copy(e.Hash[:], b[32:64])
		}

		name, err := getName(stringTable, e.NameOffset)
		if err != nil {
			return nil, nxerrors.Corrupt("%s entry %d: %v", magic, i, err)
		}
		p.Names[i] = name

		if err := checkRange(magic+" entry "+name, e.DataOffset, e.DataSize, dataAvail); err != nil {
			return nil, err
		}
	}

	logger.LogDebug("Parsed partition", map[string]interface{}{
		"magic": magic,
		"files": p.Header.NumFiles,
		"base":  base,
	})
	return &p, nil
}

// Collections returns one collection per entry.
func (p *Partition) Collections() []Collection {
	out := make([]Collection, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = Collection{
			Name:   p.Names[i],
			Offset: p.DataOffset + int64(e.DataOffset),
			Size:   int64(e.DataSize),
		}
		if string(p.Header.Magic[:]) == MagicHFS0 {
			out[i].Hash = append([]byte(nil), e.Hash[:]...)
			out[i].HashedSize = e.HashedSize
		}
	}
	return out
}

// Pfs0 parses PFS0 partitions, the format of NSPs and NCA exeFS sections.
type Pfs0 struct{}

func (Pfs0) GetCollections(src source.Source, base, limit int64) ([]Collection, error) {
	p, err := ReadPartition(src, base, limit, MagicPFS0)
	if err != nil {
		return nil, err
	}
	return p.Collections(), nil
}

func getName(stringTable []byte, offset uint32) (string, error) {
	if offset >= uint32(len(stringTable)) {
		return "", fmt.Errorf("name offset 0x%x out of bounds", offset)
	}
	end := offset
	for end < uint32(len(stringTable)) && stringTable[end] != 0 {
		end++
	}
	return string(stringTable[offset:end]), nil
}
