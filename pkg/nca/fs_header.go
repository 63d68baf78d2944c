package nca

import (
	"encoding/binary"
	"fmt"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

const (
	FsHeaderVersion = 2

	hashDataOffset = 0x08
	hashDataSize   = 0xF8

	IvfcMagic          = 0x43465649 // "IVFC"
	IvfcVersion        = 0x20000
	IvfcMaxLevels      = 6
	BucketTreeMagic    = "BKTR"
	sha256HashLayerMax = 5
)

type FsType uint8

const (
	FsTypeRomFS       FsType = 0
	FsTypePartitionFS FsType = 1
)

func (t FsType) String() string {
	switch t {
	case FsTypeRomFS:
		return "RomFS"
	case FsTypePartitionFS:
		return "PartitionFS"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

type HashType uint8

const (
	HashAuto                      HashType = 0
	HashNone                      HashType = 1
	HashHierarchicalSha256        HashType = 2
	HashHierarchicalIntegrity     HashType = 3
	HashAutoSha3                  HashType = 4
	HashHierarchicalSha3256       HashType = 5
	HashHierarchicalIntegritySha3 HashType = 6
)

type EncryptionType uint8

const (
	EncryptionAuto                  EncryptionType = 0
	EncryptionNone                  EncryptionType = 1
	EncryptionAesXts                EncryptionType = 2
	EncryptionAesCtr                EncryptionType = 3
	EncryptionAesCtrEx              EncryptionType = 4
	EncryptionAesCtrSkipLayerHash   EncryptionType = 5
	EncryptionAesCtrExSkipLayerHash EncryptionType = 6
)

var encryptionTypeNames = [...]string{"Auto", "None", "AesXts", "AesCtr", "AesCtrEx", "AesCtrSkipLayerHash", "AesCtrExSkipLayerHash"}

func (e EncryptionType) String() string {
	if int(e) < len(encryptionTypeNames) {
		return encryptionTypeNames[e]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(e))
}

// IsCtrEx reports the BKTR patch encryption variants.
func (e EncryptionType) IsCtrEx() bool {
	return e == EncryptionAesCtrEx || e == EncryptionAesCtrExSkipLayerHash
}

// HashData is the hash_data union of an FsHeader, decoded according to
// hash_type.
type HashData interface {
	hashType() HashType
	marshal(b []byte)
}

// Region is an {offset, size} pair relative to the section start.
type Region struct {
	Offset uint64
	Size   uint64
}

// HierarchicalSha256Data backs PFS0 sections.
type HierarchicalSha256Data struct {
	MasterHash [0x20]byte
	BlockSize  uint32
	LayerCount uint32
	HashLayer  Region
	Pfs0Layer  Region
	Unused     [3]Region
}

func (*HierarchicalSha256Data) hashType() HashType { return HashHierarchicalSha256 }

func (d *HierarchicalSha256Data) marshal(b []byte) {
	le := binary.LittleEndian
	copy(b[0x00:], d.MasterHash[:])
	le.PutUint32(b[0x20:], d.BlockSize)
	le.PutUint32(b[0x24:], d.LayerCount)
	regions := append([]Region{d.HashLayer, d.Pfs0Layer}, d.Unused[:]...)
	for i, r := range regions {
		le.PutUint64(b[0x28+i*16:], r.Offset)
		le.PutUint64(b[0x30+i*16:], r.Size)
	}
}

func unmarshalSha256Data(b []byte) *HierarchicalSha256Data {
	le := binary.LittleEndian
	d := &HierarchicalSha256Data{
		BlockSize:  le.Uint32(b[0x20:]),
		LayerCount: le.Uint32(b[0x24:]),
	}
	copy(d.MasterHash[:], b[:0x20])
	var regions [sha256HashLayerMax]Region
	for i := range regions {
		regions[i] = Region{Offset: le.Uint64(b[0x28+i*16:]), Size: le.Uint64(b[0x30+i*16:])}
	}
	d.HashLayer, d.Pfs0Layer = regions[0], regions[1]
	copy(d.Unused[:], regions[2:])
	return d
}

// IvfcLevel is one level of an integrity hash tree.
type IvfcLevel struct {
	LogicalOffset uint64
	HashDataSize  uint64
	BlockSize     uint32 // log2
	Reserved      uint32
}

// IntegrityMetaInfo backs RomFS sections. The last level holds the data.
type IntegrityMetaInfo struct {
	Magic          uint32
	Version        uint32
	MasterHashSize uint32
	MaxLayers      uint32
	Levels         [IvfcMaxLevels]IvfcLevel
	SignatureSalt  [0x20]byte
	MasterHash     [0x20]byte
}

func (*IntegrityMetaInfo) hashType() HashType { return HashHierarchicalIntegrity }

func (d *IntegrityMetaInfo) marshal(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0x00:], d.Magic)
	le.PutUint32(b[0x04:], d.Version)
	le.PutUint32(b[0x08:], d.MasterHashSize)
	le.PutUint32(b[0x0C:], d.MaxLayers)
	for i, l := range d.Levels {
		o := 0x10 + i*0x18
		le.PutUint64(b[o:], l.LogicalOffset)
		le.PutUint64(b[o+8:], l.HashDataSize)
		le.PutUint32(b[o+16:], l.BlockSize)
		le.PutUint32(b[o+20:], l.Reserved)
	}
	copy(b[0xA0:], d.SignatureSalt[:])
	copy(b[0xC0:], d.MasterHash[:])
}

func unmarshalIntegrityInfo(b []byte) (*IntegrityMetaInfo, error) {
	le := binary.LittleEndian
	d := &IntegrityMetaInfo{
		Magic:          le.Uint32(b[0x00:]),
		Version:        le.Uint32(b[0x04:]),
		MasterHashSize: le.Uint32(b[0x08:]),
		MaxLayers:      le.Uint32(b[0x0C:]),
	}
	if d.Magic != IvfcMagic {
		return nil, nxerrors.Corrupt("bad IVFC magic 0x%08x", d.Magic)
	}
	if d.Version != IvfcVersion {
		return nil, nxerrors.Corrupt("unsupported IVFC version 0x%x", d.Version)
	}
	for i := range d.Levels {
		o := 0x10 + i*0x18
		d.Levels[i] = IvfcLevel{
			LogicalOffset: le.Uint64(b[o:]),
			HashDataSize:  le.Uint64(b[o+8:]),
			BlockSize:     le.Uint32(b[o+16:]),
			Reserved:      le.Uint32(b[o+20:]),
		}
	}
	copy(d.SignatureSalt[:], b[0xA0:0xC0])
	copy(d.MasterHash[:], b[0xC0:0xE0])
	return d, nil
}

// Validate checks the fields a RomFS section must carry.
func (d *IntegrityMetaInfo) Validate() error {
	if d.MasterHashSize != 0x20 {
		return nxerrors.Corrupt("IVFC master hash size 0x%x", d.MasterHashSize)
	}
	if d.MaxLayers != IvfcMaxLevels+1 {
		return nxerrors.Corrupt("IVFC max layers %d", d.MaxLayers)
	}
	return nil
}

// BucketTreeHeader describes a BKTR table inside a section.
type BucketTreeHeader struct {
	Offset     uint64 // Offset within section to bucket data
	Size       uint64 // Size of bucket data
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	Reserved   uint32
}

func parseBucketTreeHeader(data []byte) BucketTreeHeader {
	h := BucketTreeHeader{
		Offset:     binary.LittleEndian.Uint64(data[0:8]),
		Size:       binary.LittleEndian.Uint64(data[8:16]),
		Version:    binary.LittleEndian.Uint32(data[20:24]),
		EntryCount: binary.LittleEndian.Uint32(data[24:28]),
		Reserved:   binary.LittleEndian.Uint32(data[28:32]),
	}
	copy(h.Magic[:], data[16:20])
	return h
}

func (h BucketTreeHeader) put(data []byte) {
	binary.LittleEndian.PutUint64(data[0:8], h.Offset)
	binary.LittleEndian.PutUint64(data[8:16], h.Size)
	copy(data[16:20], h.Magic[:])
	binary.LittleEndian.PutUint32(data[20:24], h.Version)
	binary.LittleEndian.PutUint32(data[24:28], h.EntryCount)
	binary.LittleEndian.PutUint32(data[28:32], h.Reserved)
}

// Present reports whether the table is in use.
func (h BucketTreeHeader) Present() bool { return h.Size != 0 }

// Validate checks the table magic of a present table.
func (h BucketTreeHeader) Validate() error {
	if h.Present() && string(h.Magic[:]) != BucketTreeMagic {
		return nxerrors.Corrupt("bad bucket tree magic %q", h.Magic[:])
	}
	return nil
}

// PatchInfo holds the relocation and subsection tables of a patch section.
type PatchInfo struct {
	Indirect BucketTreeHeader // 0x100-0x120
	AesCtrEx BucketTreeHeader // 0x120-0x140
}

// FsHeader is one 0x200-byte section header.
type FsHeader struct {
	Version          uint16
	FsType           FsType
	HashType         HashType
	EncryptionType   EncryptionType
	MetaDataHashType uint8
	Reserved         [2]byte

	// HashData is nil when hash_type has no decoded form.
	HashData    HashData
	hashDataRaw [hashDataSize]byte

	PatchInfo        PatchInfo
	SectionCtr       uint64 // 0x140
	SparseInfo       [0x30]byte
	CompressionInfo  [0x28]byte
	MetaDataHashInfo [0x30]byte
	Reserved2        [0x30]byte
}

// UnmarshalFsHeader parses a plaintext section header.
func UnmarshalFsHeader(b []byte) (*FsHeader, error) {
	if len(b) < FsHeaderSize {
		return nil, nxerrors.Corrupt("fs header too small: 0x%x bytes", len(b))
	}
	le := binary.LittleEndian

	h := &FsHeader{
		Version:          le.Uint16(b[0x0:]),
		FsType:           FsType(b[0x2]),
		HashType:         HashType(b[0x3]),
		EncryptionType:   EncryptionType(b[0x4]),
		MetaDataHashType: b[0x5],
		SectionCtr:       le.Uint64(b[0x140:]),
	}
	copy(h.Reserved[:], b[0x6:0x8])
	copy(h.hashDataRaw[:], b[hashDataOffset:hashDataOffset+hashDataSize])
	h.PatchInfo.Indirect = parseBucketTreeHeader(b[0x100:0x120])
	h.PatchInfo.AesCtrEx = parseBucketTreeHeader(b[0x120:0x140])
	copy(h.SparseInfo[:], b[0x148:0x178])
	copy(h.CompressionInfo[:], b[0x178:0x1A0])
	copy(h.MetaDataHashInfo[:], b[0x1A0:0x1D0])
	copy(h.Reserved2[:], b[0x1D0:0x200])

	if h.Version != FsHeaderVersion {
		return h, nil
	}

	switch h.HashType {
	case HashHierarchicalSha256:
		h.HashData = unmarshalSha256Data(h.hashDataRaw[:])
	case HashHierarchicalIntegrity:
		info, err := unmarshalIntegrityInfo(h.hashDataRaw[:])
		if err != nil {
			return nil, err
		}
		h.HashData = info
	}
	return h, nil
}

// MarshalBinary serializes the section header.
func (h *FsHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, FsHeaderSize)
	le := binary.LittleEndian

	le.PutUint16(b[0x0:], h.Version)
	b[0x2] = byte(h.FsType)
	b[0x3] = byte(h.HashType)
	b[0x4] = byte(h.EncryptionType)
	b[0x5] = h.MetaDataHashType
	copy(b[0x6:], h.Reserved[:])

	hd := b[hashDataOffset : hashDataOffset+hashDataSize]
	copy(hd, h.hashDataRaw[:])
	if h.HashData != nil {
		if h.HashData.hashType() != h.HashType {
			return nil, fmt.Errorf("hash data does not match hash type %d", h.HashType)
		}
		h.HashData.marshal(hd)
	}

	h.PatchInfo.Indirect.put(b[0x100:0x120])
	h.PatchInfo.AesCtrEx.put(b[0x120:0x140])
	le.PutUint64(b[0x140:], h.SectionCtr)
	copy(b[0x148:], h.SparseInfo[:])
	copy(b[0x178:], h.CompressionInfo[:])
	copy(b[0x1A0:], h.MetaDataHashInfo[:])
	copy(b[0x1D0:], h.Reserved2[:])
	return b, nil
}

// HasCompression reports a compression table, which the readers cannot
// serve.
func (h *FsHeader) HasCompression() bool {
	return binary.LittleEndian.Uint64(h.CompressionInfo[8:16]) != 0
}

// HasSparse reports a sparse layer.
func (h *FsHeader) HasSparse() bool {
	return binary.LittleEndian.Uint16(h.SparseInfo[0x28:0x2A]) != 0
}

// DataRegion returns where the filesystem image starts inside the section
// and how large it is: the PFS0 layer for HierarchicalSha256 sections and
// the last IVFC level for RomFS.
func (h *FsHeader) DataRegion() (offset, size int64, err error) {
	switch d := h.HashData.(type) {
	case *HierarchicalSha256Data:
		return int64(d.Pfs0Layer.Offset), int64(d.Pfs0Layer.Size), nil
	case *IntegrityMetaInfo:
		lvl := d.Levels[IvfcMaxLevels-1]
		return int64(lvl.LogicalOffset), int64(lvl.HashDataSize), nil
	}
	return 0, 0, nxerrors.Corrupt("no data region for hash type %d", h.HashType)
}
