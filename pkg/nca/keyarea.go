package nca

import (
	"fmt"

	"github.com/falk/nxcodec/pkg/crypto"
	"github.com/falk/nxcodec/pkg/keys"
)

// KeyAreaCtrSlot is the key area slot holding the AES-CTR section key.
const KeyAreaCtrSlot = 2

func keyAreaKey(h *Header, ks *keys.KeySet) ([]byte, error) {
	revision := keys.MasterKeyIndex(h.KeyGeneration())
	kak, err := ks.KeyAreaKey(revision, int(h.KaekIndex))
	if err != nil {
		return nil, fmt.Errorf("key generation %d (%s): %w", h.KeyGeneration(), KeyGenerationString(h.KeyGeneration()), err)
	}
	return kak, nil
}

// DecryptKeyArea decrypts the four key area slots with the key area key
// selected by the effective key generation and kaek_index.
func DecryptKeyArea(h *Header, ks *keys.KeySet) ([4][16]byte, error) {
	var out [4][16]byte
	kak, err := keyAreaKey(h, ks)
	if err != nil {
		return out, err
	}

	for i := range h.KeyArea {
		dec, err := crypto.ECBDecrypt(h.KeyArea[i][:], kak)
		if err != nil {
			return out, err
		}
		copy(out[i][:], dec)
	}
	return out, nil
}

// EncryptKeak sets the key generation of h and stores plain encrypted
// under the matching key area key.
func EncryptKeak(h *Header, ks *keys.KeySet, keyGeneration uint8, plain [4][16]byte) error {
	h.SetKeyGeneration(keyGeneration)
	kak, err := keyAreaKey(h, ks)
	if err != nil {
		return err
	}

	for i := range plain {
		enc, err := crypto.ECBEncrypt(plain[i][:], kak)
		if err != nil {
			return err
		}
		copy(h.KeyArea[i][:], enc)
	}
	return nil
}
