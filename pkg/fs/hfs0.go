package fs

import "github.com/falk/nxcodec/pkg/source"

// Hfs0 parses HFS0 partitions, the gamecard variant of PFS0 with a sha256
// per entry.
type Hfs0 struct{}

func (Hfs0) GetCollections(src source.Source, base, limit int64) ([]Collection, error) {
	p, err := ReadPartition(src, base, limit, MagicHFS0)
	if err != nil {
		return nil, err
	}
	return p.Collections(), nil
}
