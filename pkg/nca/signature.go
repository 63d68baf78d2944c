package nca

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/keys"
)

const (
	signedRegionStart = 0x200
	signedRegionEnd   = 0x400
	rsaExponent       = 65537
)

// FixedKeyPublicKey returns the header signing key for a signature key
// generation.
func FixedKeyPublicKey(ks *keys.KeySet, sigKeyGeneration uint8) (*rsa.PublicKey, error) {
	if int(sigKeyGeneration) >= len(ks.FixedKeyModulus) || len(ks.FixedKeyModulus[sigKeyGeneration]) == 0 {
		return nil, fmt.Errorf("%w: nca_hdr_fixed_key_modulus_%02x", nxerrors.ErrMissingKey, sigKeyGeneration)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(ks.FixedKeyModulus[sigKeyGeneration]),
		E: rsaExponent,
	}, nil
}

// VerifyFixedKey checks rsa_fixed_key, an RSA-2048 PSS SHA-256 signature
// over header bytes [0x200, 0x400).
func VerifyFixedKey(h *Header, ks *keys.KeySet) error {
	pub, err := FixedKeyPublicKey(ks, h.SigKeyGeneration)
	if err != nil {
		return err
	}

	raw, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(raw[signedRegionStart:signedRegionEnd])

	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: stdcrypto.SHA256}
	if err := rsa.VerifyPSS(pub, stdcrypto.SHA256, digest[:], h.FixedKeySig[:], opts); err != nil {
		return fmt.Errorf("%w: fixed key signature: %v", nxerrors.ErrSignatureInvalid, err)
	}
	return nil
}

// VerifyFsHeaderHashes checks every section header against the sha256
// stored in the main header.
func VerifyFsHeaderHashes(h *Header) error {
	for i := 0; i < h.SectionCount(); i++ {
		raw, err := h.FsHeaders[i].MarshalBinary()
		if err != nil {
			return err
		}
		if sum := sha256.Sum256(raw); sum != h.FsHeaderHash[i] {
			return nxerrors.Corrupt("fs header %d hash mismatch", i)
		}
	}
	return nil
}

// UpdateFsHeaderHashes recomputes fs_header_hash for every section.
func UpdateFsHeaderHashes(h *Header) error {
	for i := 0; i < MaxSections; i++ {
		if !h.FsTable[i].Valid() {
			continue
		}
		raw, err := h.FsHeaders[i].MarshalBinary()
		if err != nil {
			return err
		}
		h.FsHeaderHash[i] = sha256.Sum256(raw)
	}
	return nil
}
