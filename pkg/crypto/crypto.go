package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
)

const BlockSize = aes.BlockSize

// Ciphers are cached per key; an NCA reuses a handful of keys for every
// block it touches.
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCacheMu.Lock()
	cipherCache[keyArr] = block
	cipherCacheMu.Unlock()
	return block, nil
}

// ECBDecrypt decrypts data using AES-ECB, which Switch key material and
// key areas use.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	return ecb(data, key, false)
}

// ECBEncrypt is the inverse of ECBDecrypt.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	return ecb(data, key, true)
}

func ecb(data, key []byte, encrypt bool) ([]byte, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("ecb: %d bytes is not a whole number of blocks", len(data))
	}

	crypt := block.Decrypt
	if encrypt {
		crypt = block.Encrypt
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		crypt(out[i:i+BlockSize], data[i:i+BlockSize])
	}
	return out, nil
}

// SetCtr builds the 16-byte base counter of an NCA section: the section
// counter big-endian in bytes 0-7, bytes 8-15 zero.
func SetCtr(sectionCtr uint64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[:8], sectionCtr)
	return iv
}

// NewCTRStream creates an AES-CTR stream starting at a specific absolute offset.
// The iv contains the base counter (bytes 0-7 are section-specific).
// Bytes 8-15 are SET to the block number (offset / 16) in big-endian.
// absoluteOffset must be 16-byte aligned.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("counter must be 16 bytes, got %d", len(iv))
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

// CTRXor en/decrypts data in place as the bytes found at absoluteOffset of a
// CTR region. The offset need not be aligned.
func CTRXor(data, key, iv []byte, absoluteOffset int64) error {
	aligned := absoluteOffset &^ (BlockSize - 1)
	stream, err := NewCTRStream(key, iv, aligned)
	if err != nil {
		return err
	}

	// Burn the keystream bytes that precede the requested offset.
	if skip := int(absoluteOffset - aligned); skip > 0 {
		var discard [BlockSize]byte
		stream.XORKeyStream(discard[:skip], discard[:skip])
	}
	stream.XORKeyStream(data, data)
	return nil
}

// XTSDecrypt decrypts data using AES-XTS (Custom NSZ Tweak).
// key must be 32 bytes (16 bytes key1 + 16 bytes key2) for AES-128.
func XTSDecrypt(data, key []byte, sector uint64) ([]byte, error) {
	return xts(data, key, sector, false)
}

// XTSEncrypt is the inverse of XTSDecrypt.
func XTSEncrypt(data, key []byte, sector uint64) ([]byte, error) {
	return xts(data, key, sector, true)
}

func xts(data, key []byte, sector uint64, encrypt bool) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	c1, err := getCachedCipher(key[:16]) // K1
	if err != nil {
		return nil, err
	}
	c2, err := getCachedCipher(key[16:]) // K2
	if err != nil {
		return nil, err
	}

	// Initial Tweak: Big Endian Sector Number
	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sector)
	c2.Encrypt(tweak, tweak)

	out := make([]byte, len(data))
	buf := make([]byte, 16)

	for i := 0; i < len(data); i += 16 {
		// C ^ T
		xor(buf, data[i:i+16], tweak)

		if encrypt {
			c1.Encrypt(buf, buf)
		} else {
			c1.Decrypt(buf, buf)
		}

		// ... ^ T
		xor(out[i:i+16], buf, tweak)

		mul2(tweak)
	}
	return out, nil
}

func xor(dst, a, b []byte) {
	subtle.XORBytes(dst[:16], a[:16], b[:16])
}

// mul2 multiplies the tweak by x in GF(2^128), little-endian bit order.
func mul2(tweak []byte) {
	var carry byte
	for i := 0; i < 16; i++ {
		next := tweak[i] >> 7
		tweak[i] = tweak[i]<<1 | carry
		carry = next
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
