package fs_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sort"
	"testing"

	"github.com/falk/nxcodec/internal/testutil"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/source"
)

func readCollection(t *testing.T, src source.Source, c fs.Collection) []byte {
	t.Helper()
	buf := make([]byte, c.Size)
	if err := source.ReadFull(src, buf, c.Offset); err != nil {
		t.Fatalf("read %s: %v", c.Name, err)
	}
	return buf
}

func TestPfs0Enumeration(t *testing.T) {
	names := []string{"a.nca", "bb.cnmt.nca", "c.tik"}
	files := [][]byte{testutil.Pattern(1, 100), testutil.Pattern(2, 7), testutil.Pattern(3, 0x300)}
	image := testutil.Pfs0(t, names, files)

	// Place the image at a non-zero base to check offsets are absolute.
	const base = 0x123
	buf := append(make([]byte, base), image...)
	src := source.NewMemory(buf)

	cols, err := fs.Pfs0{}.GetCollections(src, base, -1)
	if err != nil {
		t.Fatalf("GetCollections: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d collections, want 3", len(cols))
	}

	p, err := fs.ReadPartition(src, base, -1, fs.MagicPFS0)
	if err != nil {
		t.Fatal(err)
	}
	var declared uint64
	for i, c := range cols {
		if c.Name != names[i] {
			t.Errorf("entry %d name = %q, want %q", i, c.Name, names[i])
		}
		if c.Size != int64(len(files[i])) {
			t.Errorf("entry %d size = %d, want %d", i, c.Size, len(files[i]))
		}
		if want := p.DataOffset + int64(declared); c.Offset != want {
			t.Errorf("entry %d offset = 0x%x, want 0x%x", i, c.Offset, want)
		}
		if !bytes.Equal(readCollection(t, src, c), files[i]) {
			t.Errorf("entry %d data mismatch", i)
		}
		declared += uint64(len(files[i]))
	}
}

func TestPfs0RejectsOutOfRangeEntries(t *testing.T) {
	image := testutil.Pfs0(t, []string{"x"}, [][]byte{testutil.Pattern(4, 64)})

	tests := []struct {
		name  string
		patch func(b []byte)
		want  error
	}{
		{"bad magic", func(b []byte) { copy(b, "PFS1") }, nxerrors.ErrBadMagic},
		{"huge size", func(b []byte) { binary.LittleEndian.PutUint64(b[16+8:], 1<<40) }, nxerrors.ErrCorruptContainer},
		{"offset past end", func(b []byte) { binary.LittleEndian.PutUint64(b[16:], 65) }, nxerrors.ErrCorruptContainer},
		{"name outside table", func(b []byte) { binary.LittleEndian.PutUint32(b[16+16:], 0x1000) }, nxerrors.ErrCorruptContainer},
		{"string table past end", func(b []byte) { binary.LittleEndian.PutUint32(b[8:], 0x100000) }, nxerrors.ErrCorruptContainer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := append([]byte(nil), image...)
			tc.patch(b)
			_, err := fs.Pfs0{}.GetCollections(source.NewMemory(b), 0, int64(len(b)))
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}

	// A limit shorter than the data is enforced even when the source has more.
	_, err := fs.Pfs0{}.GetCollections(source.NewMemory(image), 0, int64(len(image)-1))
	if !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("short limit: error = %v", err)
	}
}

func TestHfs0CarriesHashes(t *testing.T) {
	files := [][]byte{testutil.Pattern(5, 33), testutil.Pattern(6, 0)}
	image := testutil.Hfs0([]string{"one", "two"}, files)

	cols, err := fs.Hfs0{}.GetCollections(source.NewMemory(image), 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 2 || cols[0].Name != "one" || cols[1].Name != "two" {
		t.Fatalf("collections = %+v", cols)
	}
	if len(cols[0].Hash) != 32 || cols[0].HashedSize != 33 {
		t.Errorf("hash not carried: %x (%d)", cols[0].Hash, cols[0].HashedSize)
	}
	if !bytes.Equal(readCollection(t, source.NewMemory(image), cols[0]), files[0]) {
		t.Error("hfs0 data mismatch")
	}

	if _, err := (fs.Pfs0{}).GetCollections(source.NewMemory(image), 0, -1); !errors.Is(err, nxerrors.ErrBadMagic) {
		t.Errorf("PFS0 parser on HFS0: %v", err)
	}
}

func buildXci(prefix int) ([]byte, []byte) {
	nca := testutil.Pattern(7, 0x400)
	secure := testutil.Hfs0([]string{"0123.nca"}, [][]byte{nca})
	normal := testutil.Hfs0(nil, nil)
	root := testutil.Hfs0([]string{"normal", "secure"}, [][]byte{normal, secure})

	image := make([]byte, prefix+fs.XciRootOffset)
	copy(image[prefix+0x100:], "HEAD")
	return append(image, root...), nca
}

func TestXciSecurePartition(t *testing.T) {
	for _, prefix := range []int{0, 0x1000} {
		image, nca := buildXci(prefix)
		src := source.NewMemory(image)

		parts, err := fs.Xci{}.Partitions(src, 0, -1)
		if err != nil {
			t.Fatalf("prefix 0x%x: Partitions: %v", prefix, err)
		}
		if len(parts) != 2 || parts[0].Name != "normal" || parts[1].Name != "secure" {
			t.Fatalf("prefix 0x%x: partitions = %+v", prefix, parts)
		}

		cols, err := fs.Xci{}.GetCollections(src, 0, -1)
		if err != nil {
			t.Fatalf("prefix 0x%x: GetCollections: %v", prefix, err)
		}
		if len(cols) != 1 || cols[0].Name != "0123.nca" {
			t.Fatalf("prefix 0x%x: collections = %+v", prefix, cols)
		}
		if !bytes.Equal(readCollection(t, src, cols[0]), nca) {
			t.Errorf("prefix 0x%x: nca data mismatch", prefix)
		}
	}
}

func TestRomFSWalk(t *testing.T) {
	files := map[string][]byte{
		"/control.nacp":       testutil.Pattern(1, 0x4000),
		"/icon.dat":           testutil.Pattern(2, 123),
		"/data/a.bin":         testutil.Pattern(3, 17),
		"/data/deep/er/b.bin": testutil.Pattern(4, 1),
		"/data/deep/c.bin":    testutil.Pattern(5, 0),
		"/zzz/last":           testutil.Pattern(6, 99),
	}
	image := testutil.RomFS(files)
	src := source.NewMemory(image)

	cols, err := fs.RomFS{}.GetCollections(src, 0, int64(len(image)))
	if err != nil {
		t.Fatalf("GetCollections: %v", err)
	}

	var got []string
	for _, c := range cols {
		got = append(got, c.Name)
		want, ok := files[c.Name]
		if !ok {
			t.Errorf("unexpected file %q", c.Name)
			continue
		}
		if !bytes.Equal(readCollection(t, src, c), want) {
			t.Errorf("%s: data mismatch", c.Name)
		}
	}
	sort.Strings(got)
	if len(got) != len(files) {
		t.Errorf("walked %v, want %d files", got, len(files))
	}

	img, err := fs.OpenRomFS(src, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	c, ok, err := img.Find("/data/deep/er/b.bin")
	if err != nil || !ok {
		t.Fatalf("Find = %v, %v", ok, err)
	}
	if !bytes.Equal(readCollection(t, src, c), files["/data/deep/er/b.bin"]) {
		t.Error("Find returned wrong file")
	}
	if _, ok, _ := img.Find("/data/missing.bin"); ok {
		t.Error("Find matched a missing file")
	}
}

func TestRomFSRejectsCycles(t *testing.T) {
	image := testutil.RomFS(map[string][]byte{
		"/a/x": {1},
		"/b/y": {2},
	})
	dirTableOff := binary.LittleEndian.Uint64(image[0x18:])

	// Root is at 0 with an empty name; "a" is its first child at 0x18.
	// Point a's sibling back at a.
	binary.LittleEndian.PutUint32(image[dirTableOff+0x18+4:], 0x18)

	_, err := fs.RomFS{}.GetCollections(source.NewMemory(image), 0, -1)
	if !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("cyclic romfs error = %v, want ErrCorruptContainer", err)
	}
}

func TestRomFSRejectsBadHeader(t *testing.T) {
	image := testutil.RomFS(map[string][]byte{"/f": {1}})

	bad := append([]byte(nil), image...)
	binary.LittleEndian.PutUint64(bad[0:], 0x40)
	if _, err := (fs.RomFS{}).GetCollections(source.NewMemory(bad), 0, -1); !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("header size 0x40: %v", err)
	}

	bad = append([]byte(nil), image...)
	binary.LittleEndian.PutUint64(bad[0x40:], 1<<30) // file table size
	if _, err := (fs.RomFS{}).GetCollections(source.NewMemory(bad), 0, -1); !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("huge file table: %v", err)
	}
}

func TestConcat(t *testing.T) {
	a := testutil.Pattern(8, 100)
	b := testutil.Pattern(9, 50)
	joined, cols := fs.Concat(
		fs.Part{Src: source.NewMemory(a), Collections: []fs.Collection{{Name: "a", Offset: 10, Size: 20}}},
		fs.Part{Src: source.NewMemory(b), Collections: []fs.Collection{{Name: "b", Offset: 5, Size: 40}}},
	)

	if joined.Size() != 150 {
		t.Fatalf("Size = %d, want 150", joined.Size())
	}
	if cols[0].Offset != 10 || cols[1].Offset != 105 {
		t.Errorf("offsets = %d, %d; want 10, 105", cols[0].Offset, cols[1].Offset)
	}
	if !bytes.Equal(readCollection(t, joined, cols[1]), b[5:45]) {
		t.Error("rebased collection reads wrong bytes")
	}

	buf := make([]byte, 20)
	if _, err := joined.ReadAt(buf, 90); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, append(append([]byte(nil), a[90:]...), b[:10]...)) {
		t.Error("read across the part boundary mismatch")
	}
	if n, err := joined.ReadAt(buf, 140); n != 10 || err != io.EOF {
		t.Errorf("read past end = %d, %v", n, err)
	}
}

func TestPfs0WriterRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out-*.nsp")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	names := []string{"first.nca", "second.ncz"}
	files := [][]byte{testutil.Pattern(10, 1000), testutil.Pattern(11, 333)}

	w, err := fs.NewPfs0Writer(f, names)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddFile(1, bytes.NewReader(files[1])); err == nil {
		t.Error("out of order AddFile succeeded")
	}
	if _, err := w.AddFile(0, bytes.NewReader(files[0])); err != nil {
		t.Fatal(err)
	}
	n, err := w.AddWith(1, func(out io.Writer) (int64, error) {
		m, err := out.Write(files[1])
		return int64(m), err
	})
	if err != nil || n != int64(len(files[1])) {
		t.Fatalf("AddWith = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	hdr, _ := fs.BuildPfs0Header(names, []int64{1000, 333})
	if !bytes.Equal(data[:len(hdr)], hdr) {
		t.Error("written header differs from BuildPfs0Header")
	}
	if len(hdr)%0x20 != 0 {
		t.Errorf("header size 0x%x not aligned", len(hdr))
	}

	src := source.NewMemory(data)
	cols, err := fs.Pfs0{}.GetCollections(src, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range cols {
		if c.Name != names[i] || !bytes.Equal(readCollection(t, src, c), files[i]) {
			t.Errorf("entry %d mismatch: %+v", i, c)
		}
	}
}
