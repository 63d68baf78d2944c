// Package testutil builds synthetic key sets, NCAs and container images
// for tests.
package testutil

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/falk/nxcodec/pkg/crypto"
	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/nca"
)

// MaxTestGeneration is the highest key generation the test key set covers.
const MaxTestGeneration = 0x12

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
	signingKeyErr  error
)

// SigningKey returns the RSA key standing in for the header signing key.
func SigningKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		signingKey, signingKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if signingKeyErr != nil {
		t.Fatalf("generate signing key: %v", signingKeyErr)
	}
	return signingKey
}

// Pattern returns n bytes derived from seed.
func Pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	x := uint32(seed)*2654435761 + 1
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}

// KeySet returns keys for every generation up to MaxTestGeneration plus
// the signing modulus.
func KeySet(t testing.TB) *keys.KeySet {
	t.Helper()
	ks := keys.New()
	ks.Set("header_key", Pattern(1, 32))
	for gen := 0; gen <= MaxTestGeneration; gen++ {
		ks.Set(fmt.Sprintf("key_area_key_application_%02x", gen), Pattern(byte(0x10+gen), 16))
		ks.Set(fmt.Sprintf("key_area_key_ocean_%02x", gen), Pattern(byte(0x40+gen), 16))
		ks.Set(fmt.Sprintf("key_area_key_system_%02x", gen), Pattern(byte(0x70+gen), 16))
		ks.Set(fmt.Sprintf("titlekek_%02x", gen), Pattern(byte(0xA0+gen), 16))
	}
	pub := SigningKey(t).PublicKey
	ks.Set("nca_hdr_fixed_key_modulus_00", pub.N.Bytes())
	ks.Set("nca_hdr_fixed_key_modulus_01", pub.N.Bytes())
	ks.Derive()
	return ks
}

// Ticket returns a common ticket carrying titleKey for rightsID.
func Ticket(t testing.TB, ks *keys.KeySet, rightsID [16]byte, titleKey [16]byte, keyGeneration uint8) keys.Ticket {
	t.Helper()
	enc, err := ks.EncryptTitleKey(titleKey[:], keys.MasterKeyIndex(keyGeneration))
	if err != nil {
		t.Fatalf("encrypt title key: %v", err)
	}
	tk := keys.Ticket{
		Issuer:        "Root-CA00000003-XS00000020",
		RightsID:      rightsID,
		KeyGeneration: keyGeneration,
	}
	copy(tk.EncryptedTitleKey[:], enc)
	return tk
}

// Section describes one fs section of a synthetic NCA. Image is the
// filesystem image (PFS0 or RomFS) placed in the section's data region.
type Section struct {
	FsType     nca.FsType
	Encryption nca.EncryptionType
	Image      []byte
	Ctr        uint64

	// Sparse marks the section as carrying a sparse layer.
	Sparse bool
}

// NCA describes a synthetic NCA.
type NCA struct {
	ContentType   nca.ContentType
	KeyGeneration uint8
	ProgramID     uint64
	RightsID      [16]byte
	ContentKey    [16]byte
	Sections      []Section
	Unsigned      bool
}

// dataRegionOffset is where the filesystem image starts inside a section;
// the bytes before it stand in for the hash tables.
const dataRegionOffset = 0x200

func alignUp(n, a int64) int64 { return (n + a - 1) / a * a }

// Build assembles and encrypts the NCA described by desc. Sections start
// at 0x4000 and follow each other on 0x200 boundaries.
func Build(t testing.TB, ks *keys.KeySet, desc NCA) []byte {
	t.Helper()

	h := &nca.Header{
		Magic:       [4]byte{'N', 'C', 'A', '3'},
		ContentType: desc.ContentType,
		ProgramID:   desc.ProgramID,
		RightsID:    desc.RightsID,
	}
	h.SetKeyGeneration(desc.KeyGeneration)

	type placed struct {
		off   int64
		plain []byte
		enc   nca.EncryptionType
		ctr   uint64
	}
	var sections []placed
	pos := int64(nca.FullHeaderSize)

	for i, s := range desc.Sections {
		size := alignUp(dataRegionOffset+int64(len(s.Image)), nca.MediaSize)
		plain := make([]byte, size)
		copy(plain, Pattern(byte(i), dataRegionOffset))
		copy(plain[dataRegionOffset:], s.Image)

		fsh := nca.FsHeader{
			Version:        nca.FsHeaderVersion,
			FsType:         s.FsType,
			EncryptionType: s.Encryption,
			SectionCtr:     s.Ctr,
		}
		if s.Sparse {
			fsh.SparseInfo[0x28] = 1
		}
		if s.FsType == nca.FsTypePartitionFS {
			fsh.HashType = nca.HashHierarchicalSha256
			d := &nca.HierarchicalSha256Data{
				BlockSize:  0x1000,
				LayerCount: 2,
				HashLayer:  nca.Region{Offset: 0, Size: 0x20},
				Pfs0Layer:  nca.Region{Offset: dataRegionOffset, Size: uint64(len(s.Image))},
			}
			d.MasterHash = sha256.Sum256(plain[:0x20])
			fsh.HashData = d
		} else {
			fsh.HashType = nca.HashHierarchicalIntegrity
			info := &nca.IntegrityMetaInfo{
				Magic:          nca.IvfcMagic,
				Version:        nca.IvfcVersion,
				MasterHashSize: 0x20,
				MaxLayers:      nca.IvfcMaxLevels + 1,
			}
			for l := range info.Levels {
				info.Levels[l] = nca.IvfcLevel{LogicalOffset: uint64(l) * 0x20, HashDataSize: 0x20, BlockSize: 0xE}
			}
			info.Levels[nca.IvfcMaxLevels-1] = nca.IvfcLevel{
				LogicalOffset: dataRegionOffset,
				HashDataSize:  uint64(len(s.Image)),
				BlockSize:     0xE,
			}
			fsh.HashData = info
		}

		h.FsHeaders[i] = fsh
		h.FsTable[i] = nca.FsTableEntry{
			MediaStartOffset: uint32(pos / nca.MediaSize),
			MediaEndOffset:   uint32((pos + size) / nca.MediaSize),
		}
		sections = append(sections, placed{off: pos, plain: plain, enc: s.Encryption, ctr: s.Ctr})
		pos += size
	}
	h.Size = uint64(pos)

	if !h.HasRightsID() {
		var area [4][16]byte
		area[0] = [16]byte(Pattern(0xE0, 16))
		area[nca.KeyAreaCtrSlot] = desc.ContentKey
		if err := nca.EncryptKeak(h, ks, desc.KeyGeneration, area); err != nil {
			t.Fatalf("encrypt key area: %v", err)
		}
	}
	if err := nca.UpdateFsHeaderHashes(h); err != nil {
		t.Fatalf("fs header hashes: %v", err)
	}
	if !desc.Unsigned {
		Sign(t, h)
	}

	encHeader, err := nca.EncryptHeader(h, ks)
	if err != nil {
		t.Fatalf("encrypt header: %v", err)
	}

	out := make([]byte, pos)
	copy(out, encHeader)
	copy(out[nca.HeaderSize:], Pattern(0xC0, nca.FullHeaderSize-nca.HeaderSize))
	for _, s := range sections {
		data := append([]byte(nil), s.plain...)
		if s.enc == nca.EncryptionAesCtr || s.enc == nca.EncryptionAesCtrSkipLayerHash || s.enc.IsCtrEx() {
			iv := crypto.SetCtr(s.ctr)
			if err := crypto.CTRXor(data, desc.ContentKey[:], iv[:], s.off); err != nil {
				t.Fatalf("encrypt section: %v", err)
			}
		}
		copy(out[s.off:], data)
	}
	return out
}

// Sign fills rsa_fixed_key over the signed header region.
func Sign(t testing.TB, h *nca.Header) {
	t.Helper()
	raw, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(raw[0x200:0x400])
	sig, err := rsa.SignPSS(rand.Reader, SigningKey(t), stdcrypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		t.Fatalf("sign header: %v", err)
	}
	copy(h.FixedKeySig[:], sig)
}

// Pfs0 builds a PFS0 image holding files in the given order.
func Pfs0(t testing.TB, names []string, files [][]byte) []byte {
	t.Helper()
	sizes := make([]int64, len(files))
	for i, f := range files {
		sizes[i] = int64(len(f))
	}
	out, err := fs.BuildPfs0Header(names, sizes)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		out = append(out, f...)
	}
	return out
}

// Hfs0 builds an HFS0 image; each entry hashes its whole file.
func Hfs0(names []string, files [][]byte) []byte {
	var strtab []byte
	hdr := make([]byte, 16+len(names)*0x40)
	copy(hdr, fs.MagicHFS0)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(names)))

	var off uint64
	for i, name := range names {
		e := hdr[16+i*0x40:]
		binary.LittleEndian.PutUint64(e[0:], off)
		binary.LittleEndian.PutUint64(e[8:], uint64(len(files[i])))
		binary.LittleEndian.PutUint32(e[16:], uint32(len(strtab)))
		binary.LittleEndian.PutUint32(e[20:], uint32(len(files[i])))
		sum := sha256.Sum256(files[i])
		copy(e[32:], sum[:])
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		off += uint64(len(files[i]))
	}
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(strtab)))

	out := append(hdr, strtab...)
	for _, f := range files {
		out = append(out, f...)
	}
	return out
}

type romfsDir struct {
	name   string
	off    uint32
	dirs   []*romfsDir
	files  []string
	parent *romfsDir
}

func romfsEntrySize(base int, name string) uint32 {
	return uint32(base + (len(name)+3)&^3)
}

// RomFS builds a RomFS image from full paths such as "/a/b/c.bin".
// Siblings are stored in sorted order.
func RomFS(files map[string][]byte) []byte {
	const none = 0xFFFFFFFF

	root := &romfsDir{}
	dirs := map[string]*romfsDir{"": root}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		cur := root
		prefix := ""
		for _, d := range parts[:len(parts)-1] {
			prefix += "/" + d
			next, ok := dirs[prefix]
			if !ok {
				next = &romfsDir{name: d, parent: cur}
				dirs[prefix] = next
				cur.dirs = append(cur.dirs, next)
			}
			cur = next
		}
		cur.files = append(cur.files, p)
	}

	// Assign dir offsets breadth first.
	var order []*romfsDir
	queue := []*romfsDir{root}
	var dirOff uint32
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		d.off = dirOff
		dirOff += romfsEntrySize(0x18, d.name)
		order = append(order, d)
		queue = append(queue, d.dirs...)
	}

	type fileRec struct {
		path   string
		off    uint32
		data   uint64
		parent *romfsDir
	}
	var fileOrder []fileRec
	fileOffs := map[string]uint32{}
	var fileOff uint32
	var dataOff uint64
	for _, d := range order {
		for _, p := range d.files {
			name := p[strings.LastIndex(p, "/")+1:]
			fileOrder = append(fileOrder, fileRec{path: p, off: fileOff, data: dataOff, parent: d})
			fileOffs[p] = fileOff
			fileOff += romfsEntrySize(0x20, name)
			dataOff = uint64(alignUp(int64(dataOff)+int64(len(files[p])), 0x10))
		}
	}

	dirTable := make([]byte, dirOff)
	for _, d := range order {
		e := dirTable[d.off:]
		parent := uint32(0)
		if d.parent != nil {
			parent = d.parent.off
		}
		sibling, childDir, childFile := uint32(none), uint32(none), uint32(none)
		if d.parent != nil {
			sibs := d.parent.dirs
			for i, s := range sibs {
				if s == d && i+1 < len(sibs) {
					sibling = sibs[i+1].off
				}
			}
		}
		if len(d.dirs) > 0 {
			childDir = d.dirs[0].off
		}
		if len(d.files) > 0 {
			childFile = fileOffs[d.files[0]]
		}
		binary.LittleEndian.PutUint32(e[0x0:], parent)
		binary.LittleEndian.PutUint32(e[0x4:], sibling)
		binary.LittleEndian.PutUint32(e[0x8:], childDir)
		binary.LittleEndian.PutUint32(e[0xC:], childFile)
		binary.LittleEndian.PutUint32(e[0x10:], none)
		binary.LittleEndian.PutUint32(e[0x14:], uint32(len(d.name)))
		copy(e[0x18:], d.name)
	}

	fileTable := make([]byte, fileOff)
	var data []byte
	for _, f := range fileOrder {
		e := fileTable[f.off:]
		name := f.path[strings.LastIndex(f.path, "/")+1:]
		sibling := uint32(none)
		for i, p := range f.parent.files {
			if p == f.path && i+1 < len(f.parent.files) {
				sibling = fileOffs[f.parent.files[i+1]]
			}
		}
		binary.LittleEndian.PutUint32(e[0x0:], f.parent.off)
		binary.LittleEndian.PutUint32(e[0x4:], sibling)
		binary.LittleEndian.PutUint64(e[0x8:], f.data)
		binary.LittleEndian.PutUint64(e[0x10:], uint64(len(files[f.path])))
		binary.LittleEndian.PutUint32(e[0x18:], none)
		binary.LittleEndian.PutUint32(e[0x1C:], uint32(len(name)))
		copy(e[0x20:], name)

		if pad := int(f.data) - len(data); pad > 0 {
			data = append(data, make([]byte, pad)...)
		}
		data = append(data, files[f.path]...)
	}

	hashTable := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	const headerSize = 0x50
	dirHashOff := uint64(headerSize)
	dirTableOff := dirHashOff + uint64(len(hashTable))
	fileHashOff := dirTableOff + uint64(len(dirTable))
	fileTableOff := fileHashOff + uint64(len(hashTable))
	fileDataOff := uint64(alignUp(int64(fileTableOff)+int64(len(fileTable)), 0x200))

	out := make([]byte, fileDataOff+uint64(len(data)))
	fields := []uint64{
		headerSize, dirHashOff, uint64(len(hashTable)), dirTableOff, uint64(len(dirTable)),
		fileHashOff, uint64(len(hashTable)), fileTableOff, uint64(len(fileTable)), fileDataOff,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	copy(out[dirHashOff:], hashTable)
	copy(out[dirTableOff:], dirTable)
	copy(out[fileHashOff:], hashTable)
	copy(out[fileTableOff:], fileTable)
	copy(out[fileDataOff:], data)
	return out
}
