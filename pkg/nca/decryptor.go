package nca

import (
	"fmt"

	"github.com/falk/nxcodec/pkg/crypto"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/source"
)

// ctrSection decrypts an AES-CTR section. Offsets passed to ReadAt are
// relative to the section; the counter is derived from the absolute offset
// in the NCA, so no state is carried between reads.
type ctrSection struct {
	*source.Section
	base int64
	key  [16]byte
	iv   [16]byte
}

// NewSectionDecryptor exposes [base, base+size) of the raw NCA inner as
// plaintext according to the section's encryption type.
func NewSectionDecryptor(inner source.Source, base, size int64, fsh *FsHeader, key [16]byte) (source.Source, error) {
	window := source.NewSection(inner, base, size)

	switch fsh.EncryptionType {
	case EncryptionNone:
		return window, nil
	case EncryptionAesCtr, EncryptionAesCtrSkipLayerHash:
		return &ctrSection{
			Section: window,
			base:    base,
			key:     key,
			iv:      crypto.SetCtr(fsh.SectionCtr),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", nxerrors.ErrUnsupportedEncryption, fsh.EncryptionType)
}

func (s *ctrSection) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.Section.ReadAt(p, off)
	if n > 0 {
		if cerr := crypto.CTRXor(p[:n], s.key[:], s.iv[:], s.base+off); cerr != nil {
			return 0, cerr
		}
	}
	return n, err
}
