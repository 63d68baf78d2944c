package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/falk/nxcodec/pkg/crypto"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/keys"
)

const (
	HeaderSize     = 0xC00  // NCA header structure size
	FullHeaderSize = 0x4000 // Full header (uncompressable in NCZ)
	MediaSize      = 0x200  // Sector/media unit size
	FsHeaderSize   = 0x200
	MaxSections    = 4

	MagicNCA3 = "NCA3"
)

type DistributionType uint8

const (
	DistributionDownload DistributionType = 0
	DistributionGameCard DistributionType = 1
)

func (d DistributionType) String() string {
	switch d {
	case DistributionDownload:
		return "Download"
	case DistributionGameCard:
		return "GameCard"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(d))
}

type ContentType uint8

const (
	ContentProgram    ContentType = 0
	ContentMeta       ContentType = 1
	ContentControl    ContentType = 2
	ContentManual     ContentType = 3
	ContentData       ContentType = 4
	ContentPublicData ContentType = 5
)

var contentTypeNames = [...]string{"Program", "Meta", "Control", "Manual", "Data", "PublicData"}

func (c ContentType) String() string {
	if int(c) < len(contentTypeNames) {
		return contentTypeNames[c]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(c))
}

// FsTableEntry locates a section in media units.
type FsTableEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Reserved         [8]byte
}

// Valid reports whether both bounds are set.
func (e FsTableEntry) Valid() bool {
	return e.MediaStartOffset != 0 && e.MediaEndOffset != 0
}

func (e FsTableEntry) Offset() int64 { return int64(e.MediaStartOffset) * MediaSize }
func (e FsTableEntry) End() int64    { return int64(e.MediaEndOffset) * MediaSize }
func (e FsTableEntry) Size() int64   { return e.End() - e.Offset() }

// Header is the decrypted 0xC00-byte NCA header.
type Header struct {
	FixedKeySig      [0x100]byte // 0x000
	NpdmSig          [0x100]byte // 0x100
	Magic            [4]byte     // 0x200 "NCA3"
	DistributionType DistributionType
	ContentType      ContentType
	OldKeyGeneration uint8 // 0x206
	KaekIndex        uint8 // 0x207
	Size             uint64
	ProgramID        uint64
	ContentIndex     uint32
	SdkVersion       uint32
	KeyGen           uint8 // 0x220
	SigKeyGeneration uint8 // 0x221
	Reserved         [0xE]byte
	RightsID         [0x10]byte                // 0x230
	FsTable          [MaxSections]FsTableEntry // 0x240
	FsHeaderHash     [MaxSections][32]byte     // 0x280
	KeyArea          [4][16]byte               // 0x300
	Reserved2        [0xC0]byte
	FsHeaders        [MaxSections]FsHeader // 0x400
}

// UnmarshalHeader parses a plaintext header.
func UnmarshalHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, nxerrors.Corrupt("nca header too small: 0x%x bytes", len(b))
	}
	b = b[:HeaderSize]
	le := binary.LittleEndian

	h := &Header{}
	copy(h.FixedKeySig[:], b[0x000:0x100])
	copy(h.NpdmSig[:], b[0x100:0x200])
	copy(h.Magic[:], b[0x200:0x204])
	if string(h.Magic[:]) != MagicNCA3 {
		return nil, fmt.Errorf("%w: expected %s, got %q", nxerrors.ErrBadMagic, MagicNCA3, h.Magic[:])
	}

	h.DistributionType = DistributionType(b[0x204])
	h.ContentType = ContentType(b[0x205])
	h.OldKeyGeneration = b[0x206]
	h.KaekIndex = b[0x207]
	h.Size = le.Uint64(b[0x208:])
	h.ProgramID = le.Uint64(b[0x210:])
	h.ContentIndex = le.Uint32(b[0x218:])
	h.SdkVersion = le.Uint32(b[0x21C:])
	h.KeyGen = b[0x220]
	h.SigKeyGeneration = b[0x221]
	copy(h.Reserved[:], b[0x222:0x230])
	copy(h.RightsID[:], b[0x230:0x240])

	for i := 0; i < MaxSections; i++ {
		e := b[0x240+i*0x10:]
		h.FsTable[i].MediaStartOffset = le.Uint32(e[0:])
		h.FsTable[i].MediaEndOffset = le.Uint32(e[4:])
		copy(h.FsTable[i].Reserved[:], e[8:16])

		copy(h.FsHeaderHash[i][:], b[0x280+i*32:])
		copy(h.KeyArea[i][:], b[0x300+i*16:])
	}
	copy(h.Reserved2[:], b[0x340:0x400])

	for i := 0; i < MaxSections; i++ {
		off := 0x400 + i*FsHeaderSize
		fsh, err := UnmarshalFsHeader(b[off : off+FsHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("fs header %d: %w", i, err)
		}
		h.FsHeaders[i] = *fsh
	}
	return h, nil
}

// MarshalBinary serializes the header in plaintext.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian

	copy(b[0x000:], h.FixedKeySig[:])
	copy(b[0x100:], h.NpdmSig[:])
	copy(b[0x200:], h.Magic[:])
	b[0x204] = byte(h.DistributionType)
	b[0x205] = byte(h.ContentType)
	b[0x206] = h.OldKeyGeneration
	b[0x207] = h.KaekIndex
	le.PutUint64(b[0x208:], h.Size)
	le.PutUint64(b[0x210:], h.ProgramID)
	le.PutUint32(b[0x218:], h.ContentIndex)
	le.PutUint32(b[0x21C:], h.SdkVersion)
	b[0x220] = h.KeyGen
	b[0x221] = h.SigKeyGeneration
	copy(b[0x222:], h.Reserved[:])
	copy(b[0x230:], h.RightsID[:])

	for i := 0; i < MaxSections; i++ {
		e := b[0x240+i*0x10:]
		le.PutUint32(e[0:], h.FsTable[i].MediaStartOffset)
		le.PutUint32(e[4:], h.FsTable[i].MediaEndOffset)
		copy(e[8:16], h.FsTable[i].Reserved[:])

		copy(b[0x280+i*32:], h.FsHeaderHash[i][:])
		copy(b[0x300+i*16:], h.KeyArea[i][:])
	}
	copy(b[0x340:], h.Reserved2[:])

	for i := 0; i < MaxSections; i++ {
		fsb, err := h.FsHeaders[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		copy(b[0x400+i*FsHeaderSize:], fsb)
	}
	return b, nil
}

// DecryptHeader decrypts the first 0xC00 bytes of an NCA with the header
// key. Each 0x200-byte sector uses its index as the XTS tweak.
func DecryptHeader(raw []byte, ks *keys.KeySet) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, nxerrors.Corrupt("nca header too small: 0x%x bytes", len(raw))
	}
	if len(ks.HeaderKey) != 32 {
		return nil, fmt.Errorf("%w: header_key", nxerrors.ErrMissingKey)
	}

	decrypted := make([]byte, HeaderSize)
	for i := 0; i < HeaderSize/MediaSize; i++ {
		start := i * MediaSize
		out, err := crypto.XTSDecrypt(raw[start:start+MediaSize], ks.HeaderKey, uint64(i))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt sector %d: %w", i, err)
		}
		copy(decrypted[start:], out)
	}
	return UnmarshalHeader(decrypted)
}

// EncryptHeader is the inverse of DecryptHeader.
func EncryptHeader(h *Header, ks *keys.KeySet) ([]byte, error) {
	if len(ks.HeaderKey) != 32 {
		return nil, fmt.Errorf("%w: header_key", nxerrors.ErrMissingKey)
	}
	plain, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize)
	for i := 0; i < HeaderSize/MediaSize; i++ {
		start := i * MediaSize
		enc, err := crypto.XTSEncrypt(plain[start:start+MediaSize], ks.HeaderKey, uint64(i))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt sector %d: %w", i, err)
		}
		copy(out[start:], enc)
	}
	return out, nil
}

// KeyGeneration returns the effective key generation.
func (h *Header) KeyGeneration() uint8 {
	if h.KeyGen > h.OldKeyGeneration {
		return h.KeyGen
	}
	return h.OldKeyGeneration
}

// SetKeyGeneration splits gen across the two header fields.
func (h *Header) SetKeyGeneration(gen uint8) {
	if gen <= 2 {
		h.OldKeyGeneration = gen
		h.KeyGen = 0
	} else {
		h.OldKeyGeneration = 2
		h.KeyGen = gen
	}
}

// HasRightsID reports whether the content is title-key encrypted.
func (h *Header) HasRightsID() bool {
	var zero [0x10]byte
	return !bytes.Equal(h.RightsID[:], zero[:])
}

// SectionCount returns the number of sections. Sections are contiguous
// from index 0; the first invalid entry ends the list.
func (h *Header) SectionCount() int {
	for i := 0; i < MaxSections; i++ {
		if !h.FsTable[i].Valid() || h.FsHeaders[i].Version != FsHeaderVersion {
			return i
		}
	}
	return MaxSections
}

// KeyGenerationString names the firmware a key generation was introduced in.
func KeyGenerationString(gen uint8) string {
	names := map[uint8]string{
		0: "1.0.0", 1: "1.0.0", 2: "3.0.0", 3: "3.0.1", 4: "4.0.0",
		5: "5.0.0", 6: "6.0.0", 7: "6.2.0", 8: "7.0.0", 9: "8.1.0",
		10: "9.0.0", 11: "9.1.0", 12: "12.1.0", 13: "13.0.0", 14: "14.0.0",
		15: "15.0.0", 16: "16.0.0", 17: "17.0.0", 18: "18.0.0", 19: "19.0.0",
		20: "20.0.0",
	}
	if s, ok := names[gen]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", gen)
}
