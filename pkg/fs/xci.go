package fs

import (
	"errors"
	"fmt"

	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

const (
	XciRootOffset = 0xF000
	// Some dumps carry the 0x1000-byte key area in front of the card header.
	XciRootOffsetWithKeyArea = XciRootOffset + 0x1000

	XciSecurePartition = "secure"
)

// XciPartition is one of the partitions listed in the root HFS0
// (update, normal, secure, logo).
type XciPartition struct {
	Name        string
	Offset      int64
	Size        int64
	Collections []Collection
}

// Xci reads gamecard images.
type Xci struct{}

// Partitions parses the root HFS0 and each partition it lists. base is
// the start of the image.
func (Xci) Partitions(src source.Source, base, limit int64) ([]XciPartition, error) {
	root, err := ReadPartition(src, base+XciRootOffset, limit, MagicHFS0)
	if errors.Is(err, nxerrors.ErrBadMagic) {
		root, err = ReadPartition(src, base+XciRootOffsetWithKeyArea, limit, MagicHFS0)
	}
	if err != nil {
		return nil, fmt.Errorf("xci root partition: %w", err)
	}

	var parts []XciPartition
	for i, e := range root.Entries {
		off := root.DataOffset + int64(e.DataOffset)
		size := int64(e.DataSize)

		p, err := ReadPartition(src, off, off+size, MagicHFS0)
		if err != nil {
			return nil, fmt.Errorf("xci %s partition: %w", root.Names[i], err)
		}
		parts = append(parts, XciPartition{
			Name:        root.Names[i],
			Offset:      off,
			Size:        size,
			Collections: p.Collections(),
		})

		logger.LogDebug("Read xci partition", map[string]interface{}{
			"name":  root.Names[i],
			"files": len(p.Entries),
		})
	}
	return parts, nil
}

// GetCollections returns the files of the secure partition, which holds
// the installable NCAs.
func (x Xci) GetCollections(src source.Source, base, limit int64) ([]Collection, error) {
	parts, err := x.Partitions(src, base, limit)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if p.Name == XciSecurePartition {
			return p.Collections, nil
		}
	}
	return nil, nxerrors.Corrupt("xci has no %s partition", XciSecurePartition)
}
