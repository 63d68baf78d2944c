package nca

import (
	"encoding/hex"
	"fmt"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/keys"
)

// GetDecryptedTitleKey resolves the AES-CTR content key. Standard crypto
// content carries it in the key area; content with a rights id needs a
// matching ticket.
func GetDecryptedTitleKey(h *Header, ks *keys.KeySet) ([16]byte, error) {
	if !h.HasRightsID() {
		area, err := DecryptKeyArea(h, ks)
		if err != nil {
			return [16]byte{}, err
		}
		return area[KeyAreaCtrSlot], nil
	}

	t, ok := ks.FindTicket(h.RightsID)
	if !ok {
		return [16]byte{}, fmt.Errorf("%w: rights id %s", nxerrors.ErrTitleKeyNotFound, hex.EncodeToString(h.RightsID[:]))
	}
	return ks.TitleKey(t, keys.MasterKeyIndex(h.KeyGeneration()))
}
