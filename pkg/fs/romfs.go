package fs

import (
	"encoding/binary"
	"strings"

	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

const (
	RomFSHeaderSize = 0x50

	romfsNone          = 0xFFFFFFFF
	romfsDirEntrySize  = 0x18
	romfsFileEntrySize = 0x20
	maxRomFSTableSize  = 0x10000000
)

// RomFSHeader is the 0x50-byte level-3 RomFS header. Offsets are relative
// to the start of the image.
type RomFSHeader struct {
	HeaderSize        uint64
	DirHashTableOff   uint64
	DirHashTableSize  uint64
	DirTableOff       uint64
	DirTableSize      uint64
	FileHashTableOff  uint64
	FileHashTableSize uint64
	FileTableOff      uint64
	FileTableSize     uint64
	FileDataOff       uint64
}

type romfsDir struct {
	Parent, Sibling, ChildDir, ChildFile uint32
	Name                                 string
}

type romfsFile struct {
	Parent, Sibling   uint32
	DataOff, DataSize uint64
	Name              string
}

// RomFSImage is a RomFS whose metadata tables have been loaded.
type RomFSImage struct {
	Header    RomFSHeader
	Base      int64
	dirTable  []byte
	fileTable []byte
	dataAvail int64
}

// OpenRomFS reads the header and metadata tables of the RomFS at base.
func OpenRomFS(src source.Source, base, limit int64) (*RomFSImage, error) {
	limit, err := resolveLimit(src, base, limit)
	if err != nil {
		return nil, err
	}
	avail := limit - base

	if err := checkRange("romfs header", 0, RomFSHeaderSize, avail); err != nil {
		return nil, err
	}
	raw := make([]byte, RomFSHeaderSize)
	if err := source.ReadFull(src, raw, base); err != nil {
		return nil, err
	}

	var h RomFSHeader
	fields := []*uint64{
		&h.HeaderSize, &h.DirHashTableOff, &h.DirHashTableSize, &h.DirTableOff, &h.DirTableSize,
		&h.FileHashTableOff, &h.FileHashTableSize, &h.FileTableOff, &h.FileTableSize, &h.FileDataOff,
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint64(raw[i*8:])
	}

	if h.HeaderSize != RomFSHeaderSize {
		return nil, nxerrors.Corrupt("romfs header size 0x%x", h.HeaderSize)
	}
	if h.DirTableSize > maxRomFSTableSize || h.FileTableSize > maxRomFSTableSize {
		return nil, nxerrors.Corrupt("romfs tables too large: dir 0x%x file 0x%x", h.DirTableSize, h.FileTableSize)
	}
	if err := checkRange("romfs dir table", h.DirTableOff, h.DirTableSize, avail); err != nil {
		return nil, err
	}
	if err := checkRange("romfs file table", h.FileTableOff, h.FileTableSize, avail); err != nil {
		return nil, err
	}
	if err := checkRange("romfs file data", h.FileDataOff, 0, avail); err != nil {
		return nil, err
	}

	img := &RomFSImage{
		Header:    h,
		Base:      base,
		dirTable:  make([]byte, h.DirTableSize),
		fileTable: make([]byte, h.FileTableSize),
		dataAvail: avail - int64(h.FileDataOff),
	}
	if err := source.ReadFull(src, img.dirTable, base+int64(h.DirTableOff)); err != nil {
		return nil, err
	}
	if err := source.ReadFull(src, img.fileTable, base+int64(h.FileTableOff)); err != nil {
		return nil, err
	}

	logger.LogDebug("Loaded romfs", map[string]interface{}{
		"base":       base,
		"dir_table":  h.DirTableSize,
		"file_table": h.FileTableSize,
		"file_data":  h.FileDataOff,
	})
	return img, nil
}

func (img *RomFSImage) dir(off uint32) (romfsDir, error) {
	t := img.dirTable
	if uint64(off)+romfsDirEntrySize > uint64(len(t)) {
		return romfsDir{}, nxerrors.Corrupt("romfs dir entry 0x%x outside table", off)
	}
	b := t[off:]
	nameLen := binary.LittleEndian.Uint32(b[0x14:])
	if uint64(off)+romfsDirEntrySize+uint64(nameLen) > uint64(len(t)) {
		return romfsDir{}, nxerrors.Corrupt("romfs dir name at 0x%x outside table", off)
	}
	return romfsDir{
		Parent:    binary.LittleEndian.Uint32(b[0x0:]),
		Sibling:   binary.LittleEndian.Uint32(b[0x4:]),
		ChildDir:  binary.LittleEndian.Uint32(b[0x8:]),
		ChildFile: binary.LittleEndian.Uint32(b[0xC:]),
		Name:      string(b[romfsDirEntrySize : romfsDirEntrySize+nameLen]),
	}, nil
}

func (img *RomFSImage) file(off uint32) (romfsFile, error) {
	t := img.fileTable
	if uint64(off)+romfsFileEntrySize > uint64(len(t)) {
		return romfsFile{}, nxerrors.Corrupt("romfs file entry 0x%x outside table", off)
	}
	b := t[off:]
	nameLen := binary.LittleEndian.Uint32(b[0x1C:])
	if uint64(off)+romfsFileEntrySize+uint64(nameLen) > uint64(len(t)) {
		return romfsFile{}, nxerrors.Corrupt("romfs file name at 0x%x outside table", off)
	}
	return romfsFile{
		Parent:   binary.LittleEndian.Uint32(b[0x0:]),
		Sibling:  binary.LittleEndian.Uint32(b[0x4:]),
		DataOff:  binary.LittleEndian.Uint64(b[0x8:]),
		DataSize: binary.LittleEndian.Uint64(b[0x10:]),
		Name:     string(b[romfsFileEntrySize : romfsFileEntrySize+nameLen]),
	}, nil
}

func (img *RomFSImage) collection(path string, f romfsFile) (Collection, error) {
	if err := checkRange("romfs file "+path, f.DataOff, f.DataSize, img.dataAvail); err != nil {
		return Collection{}, err
	}
	return Collection{
		Name:   path,
		Offset: img.Base + int64(img.Header.FileDataOff) + int64(f.DataOff),
		Size:   int64(f.DataSize),
	}, nil
}

// Walk lists every file with its full path, e.g. "/data/level1.bin".
// Traversal uses an explicit stack; a directory or file reached twice is
// a cycle and fails the walk.
func (img *RomFSImage) Walk() ([]Collection, error) {
	type pending struct {
		off  uint32
		path string
	}

	var out []Collection
	seenDirs := map[uint32]bool{0: true}
	seenFiles := map[uint32]bool{}
	stack := []pending{{off: 0, path: ""}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		d, err := img.dir(cur.off)
		if err != nil {
			return nil, err
		}

		for off := d.ChildFile; off != romfsNone; {
			if seenFiles[off] {
				return nil, nxerrors.Corrupt("romfs file loop at 0x%x", off)
			}
			seenFiles[off] = true

			f, err := img.file(off)
			if err != nil {
				return nil, err
			}
			c, err := img.collection(cur.path+"/"+f.Name, f)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
			off = f.Sibling
		}

		var children []pending
		for off := d.ChildDir; off != romfsNone; {
			if seenDirs[off] {
				return nil, nxerrors.Corrupt("romfs directory loop at 0x%x", off)
			}
			seenDirs[off] = true

			child, err := img.dir(off)
			if err != nil {
				return nil, err
			}
			children = append(children, pending{off: off, path: cur.path + "/" + child.Name})
			off = child.Sibling
		}
		// Reverse so siblings are visited in table order.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return out, nil
}

// Find looks up a file by its full path.
func (img *RomFSImage) Find(path string) (Collection, bool, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return Collection{}, false, nil
	}

	dir, err := img.dir(0)
	if err != nil {
		return Collection{}, false, err
	}

	// Each hop follows a sibling chain; bound the total by the table size
	// so a looping chain terminates.
	budget := len(img.dirTable)/romfsDirEntrySize + len(img.fileTable)/romfsFileEntrySize + 1

	for _, name := range parts[:len(parts)-1] {
		found := false
		for off := dir.ChildDir; off != romfsNone && budget > 0; budget-- {
			child, err := img.dir(off)
			if err != nil {
				return Collection{}, false, err
			}
			if child.Name == name {
				dir, found = child, true
				break
			}
			off = child.Sibling
		}
		if !found {
			return Collection{}, false, nil
		}
	}

	name := parts[len(parts)-1]
	for off := dir.ChildFile; off != romfsNone && budget > 0; budget-- {
		f, err := img.file(off)
		if err != nil {
			return Collection{}, false, err
		}
		if f.Name == name {
			c, err := img.collection("/"+strings.Join(parts, "/"), f)
			return c, err == nil, err
		}
		off = f.Sibling
	}
	return Collection{}, false, nil
}

// RomFS enumerates every file of a RomFS image.
type RomFS struct{}

func (RomFS) GetCollections(src source.Source, base, limit int64) ([]Collection, error) {
	img, err := OpenRomFS(src, base, limit)
	if err != nil {
		return nil, err
	}
	return img.Walk()
}
