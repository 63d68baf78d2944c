package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("Failed to generate random bytes: %v", err)
	}
	return b
}

func TestXTSRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	data := randBytes(t, 0x200)

	for _, sector := range []uint64{0, 1, 5, 0xFFFFFFFF} {
		enc, err := XTSEncrypt(data, key, sector)
		if err != nil {
			t.Fatalf("XTSEncrypt(sector %d): %v", sector, err)
		}
		if bytes.Equal(enc, data) {
			t.Errorf("sector %d: ciphertext equals plaintext", sector)
		}
		dec, err := XTSDecrypt(enc, key, sector)
		if err != nil {
			t.Fatalf("XTSDecrypt(sector %d): %v", sector, err)
		}
		if !bytes.Equal(dec, data) {
			t.Errorf("sector %d: round trip mismatch", sector)
		}
	}

	a, _ := XTSEncrypt(data, key, 0)
	b, _ := XTSEncrypt(data, key, 1)
	if bytes.Equal(a, b) {
		t.Error("different sectors produced identical ciphertext")
	}

	if _, err := XTSDecrypt(data, key[:16], 0); err == nil {
		t.Error("expected error for 16-byte XTS key")
	}
}

func TestECBRoundTrip(t *testing.T) {
	key := randBytes(t, 16)
	data := randBytes(t, 64)

	enc, err := ECBEncrypt(data, key)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := ECBDecrypt(enc, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, data) {
		t.Error("ECB round trip mismatch")
	}

	if _, err := ECBDecrypt(data[:15], key); err == nil {
		t.Error("expected error for unaligned ECB input")
	}
}

func TestCTRXorUnaligned(t *testing.T) {
	key := randBytes(t, 16)
	iv := SetCtr(0x0102030405060708)
	plain := randBytes(t, 256)
	const base = 0x4000

	enc := append([]byte(nil), plain...)
	if err := CTRXor(enc, key, iv[:], base); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ off, size int }{
		{0, 16}, {3, 5}, {8, 8}, {15, 2}, {17, 100}, {250, 6},
	} {
		part := append([]byte(nil), enc[tc.off:tc.off+tc.size]...)
		if err := CTRXor(part, key, iv[:], base+int64(tc.off)); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(part, plain[tc.off:tc.off+tc.size]) {
			t.Errorf("CTRXor at +%d size %d mismatch", tc.off, tc.size)
		}
	}
}

func TestSetCtr(t *testing.T) {
	iv := SetCtr(0x1122334455667788)
	want := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(iv[:], want) {
		t.Errorf("SetCtr = %x, want %x", iv, want)
	}
}
