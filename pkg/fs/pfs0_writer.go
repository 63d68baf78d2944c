package fs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// pfs0HeaderAlign pads the string table so file data starts aligned.
const pfs0HeaderAlign = 0x20

func pfs0StringTable(names []string) ([]byte, []uint32) {
	stringTable := make([]byte, 0)
	nameOffsets := make([]uint32, len(names))
	for i, name := range names {
		nameOffsets[i] = uint32(len(stringTable))
		stringTable = append(stringTable, []byte(name)...)
		stringTable = append(stringTable, 0) // Null terminator
	}

	headerSize := partitionHeaderSize + len(names)*pfs0EntrySize + len(stringTable)
	if rem := headerSize % pfs0HeaderAlign; rem != 0 {
		stringTable = append(stringTable, make([]byte, pfs0HeaderAlign-rem)...)
	}
	return stringTable, nameOffsets
}

// BuildPfs0Header returns the PFS0 header for files laid out back to back
// in the given order.
func BuildPfs0Header(names []string, sizes []int64) ([]byte, error) {
	if len(names) != len(sizes) {
		return nil, fmt.Errorf("pfs0: %d names for %d sizes", len(names), len(sizes))
	}
	entries := make([]PartitionEntry, len(names))
	var off uint64
	for i, size := range sizes {
		if size < 0 {
			return nil, fmt.Errorf("pfs0: negative size for %s", names[i])
		}
		entries[i].DataOffset = off
		entries[i].DataSize = uint64(size)
		off += uint64(size)
	}
	stringTable, nameOffsets := pfs0StringTable(names)
	return marshalPfs0Header(entries, nameOffsets, stringTable), nil
}

func marshalPfs0Header(entries []PartitionEntry, nameOffsets []uint32, stringTable []byte) []byte {
	b := make([]byte, partitionHeaderSize+len(entries)*pfs0EntrySize+len(stringTable))
	copy(b[0:4], MagicPFS0)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(entries)))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(stringTable)))

	for i, e := range entries {
		o := partitionHeaderSize + i*pfs0EntrySize
		binary.LittleEndian.PutUint64(b[o:], e.DataOffset)
		binary.LittleEndian.PutUint64(b[o+8:], e.DataSize)
		binary.LittleEndian.PutUint32(b[o+16:], nameOffsets[i])
	}
	copy(b[partitionHeaderSize+len(entries)*pfs0EntrySize:], stringTable)
	return b
}

// Pfs0Writer writes an NSP or NSZ. The header is reserved up front and
// filled in by Close once every file size is known.
type Pfs0Writer struct {
	w           io.WriteSeeker
	start       int64
	stringTable []byte
	nameOffsets []uint32
	entries     []PartitionEntry
	headerSize  int64
	dataOffset  int64 // Current write position relative to data start
	next        int
}

// NewPfs0Writer starts a PFS0 at the current position of w.
func NewPfs0Writer(w io.WriteSeeker, fileNames []string) (*Pfs0Writer, error) {
	start, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	stringTable, nameOffsets := pfs0StringTable(fileNames)
	headerSize := int64(partitionHeaderSize + len(fileNames)*pfs0EntrySize + len(stringTable))

	// Write Placeholder
	if _, err := w.Write(make([]byte, headerSize)); err != nil {
		return nil, err
	}

	return &Pfs0Writer{
		w:           w,
		start:       start,
		stringTable: stringTable,
		nameOffsets: nameOffsets,
		entries:     make([]PartitionEntry, len(fileNames)),
		headerSize:  headerSize,
	}, nil
}

// AddFile copies r as the next file.
func (w *Pfs0Writer) AddFile(index int, r io.Reader) (int64, error) {
	return w.AddWith(index, func(out io.Writer) (int64, error) {
		return io.Copy(out, r)
	})
}

// AddWith lets write produce the next file, e.g. by compressing into it.
// write must leave the underlying position at the end of what it wrote.
func (w *Pfs0Writer) AddWith(index int, write func(io.Writer) (int64, error)) (int64, error) {
	if index != w.next || index >= len(w.entries) {
		return 0, fmt.Errorf("pfs0: file %d added out of order, expected %d", index, w.next)
	}

	w.entries[index].DataOffset = uint64(w.dataOffset)
	n, err := write(w.w)
	if err != nil {
		return n, err
	}
	w.entries[index].DataSize = uint64(n)
	w.dataOffset += n
	w.next++
	return n, nil
}

// Writer exposes the underlying writer to producers that need to seek,
// such as block mode compression patching its size table.
func (w *Pfs0Writer) Writer() io.WriteSeeker { return w.w }

// Close writes the header and leaves w positioned at the end of the data.
func (w *Pfs0Writer) Close() error {
	if w.next != len(w.entries) {
		return fmt.Errorf("pfs0: %d of %d files written", w.next, len(w.entries))
	}
	if _, err := w.w.Seek(w.start, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(marshalPfs0Header(w.entries, w.nameOffsets, w.stringTable)); err != nil {
		return err
	}
	_, err := w.w.Seek(w.start+w.headerSize+w.dataOffset, io.SeekStart)
	return err
}
