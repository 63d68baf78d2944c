package zstd

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestCompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("block of nca plaintext "), 4096)
	for _, compress := range []func([]byte, int) []byte{Compress, CompressLong} {
		out := compress(src, 3)
		if len(out) >= len(src) {
			t.Errorf("compressed to %d of %d bytes", len(out), len(src))
		}
		got, err := Decompress(out)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, src) {
			t.Error("round trip differs")
		}
	}
}

func TestCompressLongWidensWindow(t *testing.T) {
	// Larger than the 4MiB window of the fastest level.
	src := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0x01}, 9<<20/4)

	var h zstd.Header
	if err := h.Decode(Compress(src, 1)); err != nil {
		t.Fatal(err)
	}
	if h.SingleSegment || h.WindowSize > 4<<20 {
		t.Errorf("default frame: single=%v window=%d, want at most a 4MiB window", h.SingleSegment, h.WindowSize)
	}

	if err := h.Decode(CompressLong(src, 1)); err != nil {
		t.Fatal(err)
	}
	if !h.SingleSegment {
		t.Errorf("long frame: single=%v window=%d, want one segment", h.SingleSegment, h.WindowSize)
	}
}
