package keys

import (
	"fmt"

	"github.com/falk/nxcodec/internal/logger"
	"github.com/falk/nxcodec/pkg/crypto"
)

// DecryptTitleKey decrypts a title key using the specified master key revision.
func (ks *KeySet) DecryptTitleKey(encryptedKey []byte, revision int) ([]byte, error) {
	kek, err := ks.TitleKek(revision)
	if err != nil {
		return nil, err
	}
	return crypto.ECBDecrypt(encryptedKey, kek)
}

// EncryptTitleKey is the inverse of DecryptTitleKey.
func (ks *KeySet) EncryptTitleKey(titleKey []byte, revision int) ([]byte, error) {
	kek, err := ks.TitleKek(revision)
	if err != nil {
		return nil, err
	}
	return crypto.ECBEncrypt(titleKey, kek)
}

func GenerateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}

	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}

	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

// Derive fills the per-generation tables from the named keys. Keys dumped
// directly (key_area_key_*_XX, titlekek_XX) win over derived ones.
func (ks *KeySet) Derive() {
	ks.HeaderKey = ks.named["header_key"]
	for i := range ks.FixedKeyModulus {
		ks.FixedKeyModulus[i] = ks.named[fmt.Sprintf("nca_hdr_fixed_key_modulus_%02x", i)]
	}

	aesKekGen := ks.named["aes_kek_generation_source"]
	aesKeyGen := ks.named["aes_key_generation_source"]
	titleKekSource := ks.named["titlekek_source"]

	var keyAreaSources [3][]byte
	for i, name := range keyAreaNames {
		keyAreaSources[i] = ks.named["key_area_key_"+name+"_source"]
	}

	derived := 0
	for i := 0; i < MaxKeyGeneration; i++ {
		masterKey := ks.named[fmt.Sprintf("master_key_%02x", i)]
		ks.MasterKeys[i] = masterKey

		ks.TitleKeks[i] = ks.named[fmt.Sprintf("titlekek_%02x", i)]
		if ks.TitleKeks[i] == nil && masterKey != nil && titleKekSource != nil {
			// TitleKek is Decrypt(titlekek_source, master_key)
			if tk, err := crypto.ECBDecrypt(titleKekSource, masterKey); err == nil {
				ks.TitleKeks[i] = tk
			}
		}

		for typeIdx, name := range keyAreaNames {
			ks.KeyAreaKeys[i][typeIdx] = ks.named[fmt.Sprintf("key_area_key_%s_%02x", name, i)]
			if ks.KeyAreaKeys[i][typeIdx] != nil || masterKey == nil {
				continue
			}
			if keyAreaSources[typeIdx] == nil || aesKekGen == nil || aesKeyGen == nil {
				continue
			}
			kak, err := GenerateKek(keyAreaSources[typeIdx], masterKey, aesKekGen, aesKeyGen)
			if err == nil {
				ks.KeyAreaKeys[i][typeIdx] = kak
				derived++
			}
		}
	}

	logger.LogDebug("Derived key area keys", map[string]interface{}{
		"named":   len(ks.named),
		"derived": derived,
	})
}
