package nsz_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/falk/nxcodec/internal/testutil"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/nca"
	"github.com/falk/nxcodec/pkg/nsz"
	"github.com/falk/nxcodec/pkg/source"
	"github.com/falk/nxcodec/pkg/zstd"
)

var contentKey = [16]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

// testNCA builds a program NCA whose plaintext mixes highly compressible
// text with incompressible noise.
func testNCA(t *testing.T, ks *keys.KeySet, contentType nca.ContentType) []byte {
	t.Helper()
	text := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 1500)
	noise := testutil.Pattern(0x77, 0xA000)

	exefs := testutil.Pfs0(t, []string{"main", "noise"}, [][]byte{text, noise})
	romfs := testutil.RomFS(map[string][]byte{
		"/data/text.bin":  text[:0x5123],
		"/data/noise.bin": noise[:0x3001],
	})

	sections := []testutil.Section{
		{FsType: nca.FsTypePartitionFS, Encryption: nca.EncryptionAesCtr, Image: exefs, Ctr: 1},
		{FsType: nca.FsTypeRomFS, Encryption: nca.EncryptionAesCtr, Image: romfs, Ctr: 2},
	}
	if contentType != nca.ContentProgram {
		sections = sections[1:]
	}
	return testutil.Build(t, ks, testutil.NCA{
		ContentType:   contentType,
		KeyGeneration: 11,
		ProgramID:     0x01000000000AB000,
		ContentKey:    contentKey,
		Sections:      sections,
	})
}

func openNCA(t *testing.T, ks *keys.KeySet, src source.Source) *nca.Reader {
	t.Helper()
	r, err := nca.Open(src, ks, nca.Options{})
	if err != nil {
		t.Fatalf("nca.Open: %v", err)
	}
	return r
}

func compressToFile(t *testing.T, c nsz.Compressor, r *nca.Reader) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.ncz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	n, err := c.Compress(context.Background(), r, f)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(out)) != n {
		t.Fatalf("Compress reported %d bytes, file holds %d", n, len(out))
	}
	return out
}

func TestBlockRoundTripArbitraryOffsets(t *testing.T) {
	ks := testutil.KeySet(t)
	data := testNCA(t, ks, nca.ContentProgram)
	ncz := compressToFile(t, nsz.Compressor{Block: true, BlockExponent: 14, Threads: 3, Level: 3}, openNCA(t, ks, source.NewMemory(data)))

	if len(ncz) >= len(data) {
		t.Errorf("ncz is %d bytes, nca %d", len(ncz), len(data))
	}

	src, err := nsz.OpenNca(source.NewMemory(ncz))
	if err != nil {
		t.Fatalf("OpenNca: %v", err)
	}
	if src.Size() != int64(len(data)) || src.IsStream() {
		t.Fatalf("Size = %d IsStream = %v", src.Size(), src.IsStream())
	}

	whole := make([]byte, len(data))
	if err := source.ReadFull(src, whole, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(whole, data) {
		t.Fatal("ncz does not reproduce the nca")
	}

	const block = 1 << 14
	offsets := []int64{0, 1, 0x3FFF, 0x4000, 0x4001, 0x4000 + block - 1, 0x4000 + block, 0x4000 + 2*block + 7}
	for off := int64(0x4003); off < int64(len(data)); off += 0x1F3B {
		offsets = append(offsets, off)
	}
	for _, off := range offsets {
		for _, n := range []int64{1, 15, 0x200, block + 3} {
			if off+n > int64(len(data)) {
				n = int64(len(data)) - off
			}
			got := make([]byte, n)
			if err := source.ReadFull(src, got, off); err != nil {
				t.Fatalf("read %d at 0x%x: %v", n, off, err)
			}
			if !bytes.Equal(got, data[off:off+n]) {
				t.Errorf("read %d at 0x%x differs", n, off)
			}
		}
	}

	// Past the end reads clamp.
	tail := make([]byte, 0x40)
	n, err := src.ReadAt(tail, int64(len(data))-0x10)
	if n != 0x10 || err != io.EOF {
		t.Errorf("tail read = %d, %v", n, err)
	}
}

func TestRawBlockFallback(t *testing.T) {
	ks := testutil.KeySet(t)
	data := testNCA(t, ks, nca.ContentProgram)
	r := openNCA(t, ks, source.NewMemory(data))
	ncz := compressToFile(t, nsz.Compressor{Block: true, BlockExponent: 14, Threads: 2}, r)

	f, err := nsz.Parse(source.NewMemory(ncz))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	br, err := nsz.NewBlockReader(f, source.NewMemory(ncz), 2*(1<<14))
	if err != nil {
		t.Fatal(err)
	}

	var raw, compressed int
	for i, size := range f.BlockSizes {
		expected := f.Block.ExpectedSize(i)
		if int64(size) >= expected {
			raw++
		} else {
			compressed++
		}

		off := nsz.NormalSize + int64(i)*f.Block.BlockSize()
		got := make([]byte, expected)
		if err := source.ReadFull(br, got, off); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		want := make([]byte, expected)
		if err := source.ReadFull(r, want, off); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("block %d (stored 0x%x of 0x%x) differs from plaintext", i, size, expected)
		}
	}
	if raw == 0 || compressed == 0 {
		t.Errorf("raw blocks = %d, compressed blocks = %d; want both", raw, compressed)
	}
}

func TestSolidRoundTrip(t *testing.T) {
	ks := testutil.KeySet(t)
	data := testNCA(t, ks, nca.ContentProgram)

	// A forward-only source is enough for solid compression.
	r := openNCA(t, ks, source.NewStream(bytes.NewReader(data), int64(len(data))))
	var out bytes.Buffer
	n, err := nsz.Compressor{LongDistance: true, Threads: 2}.Compress(context.Background(), r, &out)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if n != int64(out.Len()) {
		t.Errorf("Compress returned %d, wrote %d", n, out.Len())
	}

	src, err := nsz.OpenNca(source.NewStream(bytes.NewReader(out.Bytes()), int64(out.Len())))
	if err != nil {
		t.Fatalf("OpenNca: %v", err)
	}
	defer src.Close()
	if src.File().IsBlock() || !src.IsStream() || src.Size() != int64(len(data)) {
		t.Fatalf("solid ncz: block=%v stream=%v size=%d", src.File().IsBlock(), src.IsStream(), src.Size())
	}

	got := make([]byte, 0, len(data))
	chunk := make([]byte, 0x1234)
	for off := int64(0); off < int64(len(data)); {
		n, err := src.ReadAt(chunk, off)
		got = append(got, chunk[:n]...)
		off += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read at 0x%x: %v", off, err)
		}
	}
	if !bytes.Equal(got, data) {
		t.Fatal("solid ncz does not reproduce the nca")
	}
}

func TestSolidReaderIsSequential(t *testing.T) {
	ks := testutil.KeySet(t)
	data := testNCA(t, ks, nca.ContentPublicData)
	var out bytes.Buffer
	if _, err := (nsz.Compressor{Level: 1}).Compress(context.Background(), openNCA(t, ks, source.NewMemory(data)), &out); err != nil {
		t.Fatal(err)
	}

	f, err := nsz.Parse(source.NewMemory(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	sr, err := nsz.NewSolidReader(f, source.NewMemory(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer sr.Close()

	buf := make([]byte, 0x100)
	if _, err := sr.ReadAt(buf, 0x10); !errors.Is(err, nxerrors.ErrInvalidOffset) {
		t.Errorf("read in prefix: %v, want ErrInvalidOffset", err)
	}
	if _, err := sr.ReadAt(buf, nsz.NormalSize+0x100); !errors.Is(err, nxerrors.ErrNotSeekable) {
		t.Errorf("skip ahead: %v, want ErrNotSeekable", err)
	}
	if err := source.ReadFull(sr, buf, nsz.NormalSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, plaintextAt(t, ks, data, nsz.NormalSize, len(buf))) {
		t.Error("first solid bytes differ from plaintext")
	}
	if _, err := sr.ReadAt(buf, nsz.NormalSize); !errors.Is(err, nxerrors.ErrNotSeekable) {
		t.Errorf("rewind: %v, want ErrNotSeekable", err)
	}
}

func plaintextAt(t *testing.T, ks *keys.KeySet, data []byte, off int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := source.ReadFull(openNCA(t, ks, source.NewMemory(data)), buf, off); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestNczOpensAsNca(t *testing.T) {
	ks := testutil.KeySet(t)
	data := testNCA(t, ks, nca.ContentProgram)
	orig := openNCA(t, ks, source.NewMemory(data))
	ncz := compressToFile(t, nsz.Compressor{Block: true, BlockExponent: 15}, orig)

	src, err := nsz.OpenNca(source.NewMemory(ncz))
	if err != nil {
		t.Fatal(err)
	}
	r := openNCA(t, ks, src)

	want, err := orig.Collections()
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Collections()
	if err != nil {
		t.Fatalf("Collections through ncz: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d sections, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i].Collections) != len(want[i].Collections) {
			t.Fatalf("section %s: %d files, want %d", want[i].Name, len(got[i].Collections), len(want[i].Collections))
		}
		for j, c := range want[i].Collections {
			if g := got[i].Collections[j]; g.Name != c.Name || g.Offset != c.Offset || g.Size != c.Size {
				t.Errorf("%s file %d = %+v, want %+v", want[i].Name, j, got[i].Collections[j], c)
			}
			a := make([]byte, c.Size)
			b := make([]byte, c.Size)
			if err := source.ReadFull(orig, a, c.Offset); err != nil {
				t.Fatal(err)
			}
			if err := source.ReadFull(r, b, c.Offset); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(a, b) {
				t.Errorf("%s differs through ncz", c.Name)
			}
		}
	}
}

func TestSectionsCoverPayload(t *testing.T) {
	ks := testutil.KeySet(t)
	data := testNCA(t, ks, nca.ContentProgram)
	secs := nsz.Sections(openNCA(t, ks, source.NewMemory(data)))

	pos := int64(nsz.NormalSize)
	for i, s := range secs {
		if int64(s.Offset) != pos {
			t.Fatalf("section %d starts at 0x%x, want 0x%x", i, s.Offset, pos)
		}
		if s.Encrypted() && s.CryptoKey != contentKey {
			t.Errorf("section %d key = %x", i, s.CryptoKey)
		}
		pos = s.End()
	}
	if pos != int64(len(data)) {
		t.Errorf("sections end at 0x%x, nca is 0x%x", pos, len(data))
	}
}

// craft assembles a block-mode NCZ by hand.
func craft(t *testing.T, exponent uint8, decompressed uint64, blocks ...[]byte) []byte {
	t.Helper()
	var b bytes.Buffer
	b.Write(make([]byte, nsz.NormalSize))
	sections := []nsz.NczSectionEntry{{Offset: nsz.NormalSize, Size: decompressed, CryptoType: uint64(nca.EncryptionNone)}}
	if err := nsz.WriteNczHeader(&b, sections); err != nil {
		t.Fatal(err)
	}
	if err := nsz.WriteBlockHeader(&b, exponent, uint32(len(blocks)), decompressed); err != nil {
		t.Fatal(err)
	}
	for _, blk := range blocks {
		binary.Write(&b, binary.LittleEndian, uint32(len(blk)))
	}
	for _, blk := range blocks {
		b.Write(blk)
	}
	return b.Bytes()
}

func TestParseRejections(t *testing.T) {
	good := craft(t, 14, 0x4000, make([]byte, 0x4000))
	if _, err := nsz.Parse(source.NewMemory(good)); err != nil {
		t.Fatalf("Parse(valid): %v", err)
	}

	badMagic := append([]byte(nil), good...)
	copy(badMagic[nsz.NormalSize:], "NCZXXXXX")

	badVersion := append([]byte(nil), good...)
	badVersion[nsz.NormalSize+0x10+0x40+8] = 3

	truncated := good[:len(good)-1]

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"exponent 40", craft(t, 40, 0x4000, make([]byte, 0x4000)), nxerrors.ErrCorruptContainer},
		{"exponent 13", craft(t, 13, 0x2000, make([]byte, 0x2000)), nxerrors.ErrCorruptContainer},
		{"no blocks", craft(t, 14, 0), nxerrors.ErrCorruptContainer},
		{"block count", craft(t, 14, 0x8001, make([]byte, 0x4000)), nxerrors.ErrCorruptContainer},
		{"bad magic", badMagic, nxerrors.ErrBadMagic},
		{"bad version", badVersion, nxerrors.ErrCorruptContainer},
		{"block sum", truncated, nxerrors.ErrCorruptContainer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := nsz.Parse(source.NewMemory(tc.data)); !errors.Is(err, tc.want) {
				t.Errorf("Parse error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBlockReaderErrors(t *testing.T) {
	plain := testutil.Pattern(9, 0x4000)
	tail := bytes.Repeat([]byte{7}, 0x100)
	data := craft(t, 14, 0x4100, plain, zstd.Compress(tail, 3))

	f, err := nsz.Parse(source.NewMemory(data))
	if err != nil {
		t.Fatal(err)
	}
	br, err := nsz.NewBlockReader(f, source.NewMemory(data), 0)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 0x200)
	if _, err := br.ReadAt(buf, 0x100); !errors.Is(err, nxerrors.ErrInvalidOffset) {
		t.Errorf("read below 0x4000: %v, want ErrInvalidOffset", err)
	}
	if _, err := br.ReadAt(buf, nsz.NormalSize+2*0x4000); !errors.Is(err, nxerrors.ErrBlockIndexOutOfRange) {
		t.Errorf("read past table: %v, want ErrBlockIndexOutOfRange", err)
	}

	// Straddle the raw block and the short compressed last block.
	if err := source.ReadFull(br, buf, nsz.NormalSize+0x3F00); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, append(plain[0x3F00:], tail...)) {
		t.Error("straddling read differs")
	}

	// Reads that run off the table fail rather than clamp.
	big := make([]byte, 0x4000)
	n, err := br.ReadAt(big, nsz.NormalSize+0x4000)
	if !errors.Is(err, nxerrors.ErrBlockIndexOutOfRange) || n != 0x100 {
		t.Errorf("read past last block = 0x%x, %v; want 0x100, ErrBlockIndexOutOfRange", n, err)
	}
	n, err = br.ReadAt(big, nsz.NormalSize+0x3000)
	if !errors.Is(err, nxerrors.ErrBlockIndexOutOfRange) || n != 0x1100 {
		t.Errorf("read across the end = 0x%x, %v; want 0x1100, ErrBlockIndexOutOfRange", n, err)
	}

	short := craft(t, 14, 0x4000, zstd.Compress(make([]byte, 0x3000), 3))
	f, err = nsz.Parse(source.NewMemory(short))
	if err != nil {
		t.Fatal(err)
	}
	br, err = nsz.NewBlockReader(f, source.NewMemory(short), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := br.ReadAt(buf, nsz.NormalSize); !errors.Is(err, nxerrors.ErrZstdDecompressSizeMismatch) {
		t.Errorf("short block: %v, want ErrZstdDecompressSizeMismatch", err)
	}
}

func TestPatchSectionKeptAsStored(t *testing.T) {
	ks := testutil.KeySet(t)
	text := bytes.Repeat([]byte("patched content "), 2000)
	data := testutil.Build(t, ks, testutil.NCA{
		ContentType:   nca.ContentProgram,
		KeyGeneration: 11,
		ContentKey:    contentKey,
		Sections: []testutil.Section{
			{FsType: nca.FsTypePartitionFS, Encryption: nca.EncryptionAesCtr, Image: testutil.Pfs0(t, []string{"main"}, [][]byte{text}), Ctr: 1},
			{FsType: nca.FsTypeRomFS, Encryption: nca.EncryptionAesCtrEx, Image: testutil.RomFS(map[string][]byte{"/data.bin": text[:0x6000]}), Ctr: 2},
		},
	})
	r := openNCA(t, ks, source.NewMemory(data))

	patch := r.Sections()[1]
	var found bool
	for _, e := range nsz.Sections(r) {
		if e.InRange(patch.Offset) {
			found = true
			if e.Encrypted() || e.CryptoType != uint64(nca.EncryptionNone) {
				t.Errorf("patch section entry crypto type = %d, want plain", e.CryptoType)
			}
		}
	}
	if !found {
		t.Fatal("no section entry covers the patch section")
	}

	for _, block := range []bool{false, true} {
		ncz := compressToFile(t, nsz.Compressor{Block: block, BlockExponent: 14, Threads: 2, Level: 3}, openNCA(t, ks, source.NewMemory(data)))
		src, err := nsz.OpenNca(source.NewMemory(ncz))
		if err != nil {
			t.Fatalf("block=%v OpenNca: %v", block, err)
		}
		got := make([]byte, len(data))
		if err := source.ReadFull(src, got, 0); err != nil {
			t.Fatalf("block=%v read: %v", block, err)
		}
		src.Close()
		if !bytes.Equal(got, data) {
			t.Errorf("block=%v: ncz with a patch section does not reproduce the nca", block)
		}
	}
}

func TestCompressRejections(t *testing.T) {
	ks := testutil.KeySet(t)

	control := testNCA(t, ks, nca.ContentControl)
	var out bytes.Buffer
	_, err := nsz.Compressor{}.Compress(context.Background(), openNCA(t, ks, source.NewMemory(control)), &out)
	if !errors.Is(err, nxerrors.ErrNotCompressible) {
		t.Errorf("control nca: %v, want ErrNotCompressible", err)
	}

	data := testNCA(t, ks, nca.ContentProgram)
	_, err = nsz.Compressor{Block: true}.Compress(context.Background(), openNCA(t, ks, source.NewMemory(data)), &out)
	if !errors.Is(err, nxerrors.ErrNotSeekable) {
		t.Errorf("block mode into buffer: %v, want ErrNotSeekable", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, block := range []bool{false, true} {
		f, err := os.Create(filepath.Join(t.TempDir(), "cancelled.ncz"))
		if err != nil {
			t.Fatal(err)
		}
		_, err = nsz.Compressor{Block: block, BlockExponent: 14}.Compress(ctx, openNCA(t, ks, source.NewMemory(data)), f)
		f.Close()
		if !errors.Is(err, nxerrors.ErrCancelled) {
			t.Errorf("block=%v cancelled: %v, want ErrCancelled", block, err)
		}
	}
}
