// Package fs parses the container formats found inside and around NCAs:
// PFS0, HFS0, RomFS and XCI gamecard images. Every parser reads through a
// source.Source and range-checks in-file offsets before trusting them.
package fs

import (
	"io"
	"math"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

// Collection is a named file inside a container. Offset is absolute in the
// source the container was parsed from.
type Collection struct {
	Name   string
	Offset int64
	Size   int64

	// Installer metadata, carried through untouched.
	ContentType uint8
	IDOffset    uint8

	// Hash is the sha256 of the first HashedSize bytes for HFS0 entries.
	Hash       []byte
	HashedSize uint32
}

// Container enumerates the files of a container image that starts at base
// and must end at or before limit. A negative limit means the size of src.
type Container interface {
	GetCollections(src source.Source, base, limit int64) ([]Collection, error)
}

func resolveLimit(src source.Source, base, limit int64) (int64, error) {
	if limit < 0 {
		limit = src.Size()
	}
	if limit < 0 {
		limit = math.MaxInt64
	}
	if base < 0 || base > limit {
		return 0, nxerrors.Corrupt("container base 0x%x outside limit 0x%x", base, limit)
	}
	return limit, nil
}

// checkRange fails unless [off, off+size) lies within [0, avail).
func checkRange(what string, off, size uint64, avail int64) error {
	if avail < 0 || off > uint64(avail) || size > uint64(avail)-off {
		return nxerrors.Corrupt("%s [0x%x, +0x%x) exceeds 0x%x bytes", what, off, size, avail)
	}
	return nil
}

// Part is one source and the collections found in it.
type Part struct {
	Src         source.Source
	Collections []Collection
}

// Concat joins the parts end to end into one source and rebases every
// collection onto the running offset of its part.
func Concat(parts ...Part) (*Concatenated, []Collection) {
	c := &Concatenated{}
	var out []Collection
	var base int64
	for _, p := range parts {
		c.parts = append(c.parts, p.Src)
		c.starts = append(c.starts, base)
		for _, col := range p.Collections {
			col.Offset += base
			out = append(out, col)
		}
		base += p.Src.Size()
	}
	c.size = base
	return c, out
}

// Concatenated serves several sources as one.
type Concatenated struct {
	parts  []source.Source
	starts []int64
	size   int64
}

func (c *Concatenated) Size() int64 { return c.size }

func (c *Concatenated) IsStream() bool {
	for _, p := range c.parts {
		if p.IsStream() {
			return true
		}
	}
	return false
}

func (c *Concatenated) SignalCancel() {
	for _, p := range c.parts {
		p.SignalCancel()
	}
}

func (c *Concatenated) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nxerrors.ErrInvalidOffset
	}

	total := 0
	for total < len(p) {
		pos := off + int64(total)
		i := c.partAt(pos)
		if i < 0 {
			return total, io.EOF
		}
		part := c.parts[i]
		rel := pos - c.starts[i]
		want := int64(len(p) - total)
		if rem := part.Size() - rel; want > rem {
			want = rem
		}

		n, err := part.ReadAt(p[total:total+int(want)], rel)
		total += n
		if err != nil && !(err == io.EOF && int64(n) == want) {
			return total, err
		}
	}
	return total, nil
}

func (c *Concatenated) partAt(pos int64) int {
	for i := len(c.starts) - 1; i >= 0; i-- {
		if pos >= c.starts[i] && pos < c.starts[i]+c.parts[i].Size() {
			return i
		}
	}
	return -1
}
