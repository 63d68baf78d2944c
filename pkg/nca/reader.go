package nca

import (
	"errors"
	"fmt"
	"io"

	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/source"
)

// Options control how strictly Open treats its input.
type Options struct {
	// SkipSignatureCheck skips the fixed key signature check for local,
	// trusted sources.
	SkipSignatureCheck bool

	// AllowUnsignedStream extends SkipSignatureCheck to stream sources,
	// which are otherwise always verified.
	AllowUnsignedStream bool
}

// Section is one valid fs section of an open NCA.
type Section struct {
	Index  int
	Offset int64
	Size   int64
	Header *FsHeader

	src source.Source // plaintext, section relative
	err error         // why src is nil
}

// Source returns the plaintext of the section, relative to its start.
func (s *Section) Source() (source.Source, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.src, nil
}

// NamedSection groups the files of one section under its conventional
// name: exeFS, RomFS, Logo or Meta.
type NamedSection struct {
	Name        string
	Index       int
	FsType      FsType
	Collections []fs.Collection
}

// Reader exposes an NCA as its decrypted byte stream. It is not safe for
// concurrent use.
type Reader struct {
	raw         source.Source
	header      *Header
	headerRaw   []byte
	headerPlain []byte
	titleKey    [16]byte
	hasKey      bool
	sections    []Section

	collections     []NamedSection
	collectionsErr  error
	collectionsDone bool
}

// Open reads and decrypts the header of src, enforces the signature
// policy and prepares a decryptor per section.
func Open(src source.Source, ks *keys.KeySet, opts Options) (*Reader, error) {
	raw := make([]byte, HeaderSize)
	if err := source.ReadFull(src, raw, 0); err != nil {
		return nil, fmt.Errorf("read nca header: %w", err)
	}

	h, err := DecryptHeader(raw, ks)
	if err != nil {
		return nil, err
	}
	if err := checkSignature(h, ks, src.IsStream(), opts); err != nil {
		return nil, err
	}
	if err := VerifyFsHeaderHashes(h); err != nil {
		return nil, err
	}

	plain, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	r := &Reader{raw: src, header: h, headerRaw: raw, headerPlain: plain}

	if r.needsKey() {
		key, err := GetDecryptedTitleKey(h, ks)
		if err != nil {
			return nil, err
		}
		r.titleKey, r.hasKey = key, true
	}

	if err := r.buildSections(); err != nil {
		return nil, err
	}

	logger.LogDebug("Opened NCA", map[string]interface{}{
		"content_type":   h.ContentType.String(),
		"key_generation": h.KeyGeneration(),
		"sections":       len(r.sections),
		"rights_id":      h.HasRightsID(),
	})
	return r, nil
}

func checkSignature(h *Header, ks *keys.KeySet, stream bool, opts Options) error {
	if opts.SkipSignatureCheck {
		if !stream || opts.AllowUnsignedStream {
			logger.LogWarn("Skipping NCA header signature check", map[string]interface{}{
				"program_id": fmt.Sprintf("%016x", h.ProgramID),
				"stream":     stream,
			})
			return nil
		}
		logger.LogDebug("Signature check is mandatory for stream sources", nil)
	}
	return VerifyFixedKey(h, ks)
}

func (r *Reader) needsKey() bool {
	for i := 0; i < r.header.SectionCount(); i++ {
		if r.header.FsHeaders[i].EncryptionType != EncryptionNone {
			return true
		}
	}
	return false
}

func (r *Reader) buildSections() error {
	h := r.header
	size := r.raw.Size()

	for i := 0; i < h.SectionCount(); i++ {
		entry := h.FsTable[i]
		fsh := &h.FsHeaders[i]
		sec := Section{Index: i, Offset: entry.Offset(), Size: entry.Size(), Header: fsh}

		if entry.End() <= entry.Offset() || entry.Offset() < HeaderSize {
			return nxerrors.Corrupt("section %d bounds [0x%x, 0x%x)", i, entry.Offset(), entry.End())
		}
		if size >= 0 && entry.End() > size {
			return nxerrors.Corrupt("section %d ends at 0x%x past nca size 0x%x", i, entry.End(), size)
		}

		if fsh.EncryptionType.IsCtrEx() {
			if err := fsh.PatchInfo.Indirect.Validate(); err != nil {
				return fmt.Errorf("section %d: %w", i, err)
			}
			if err := fsh.PatchInfo.AesCtrEx.Validate(); err != nil {
				return fmt.Errorf("section %d: %w", i, err)
			}
		}

		sec.src, sec.err = NewSectionDecryptor(r.raw, sec.Offset, sec.Size, fsh, r.titleKey)
		if sec.err != nil {
			sec.err = fmt.Errorf("section %d: %w", i, sec.err)
		}
		r.sections = append(r.sections, sec)
	}
	return nil
}

func (r *Reader) Header() *Header { return r.header }

// TitleKey returns the resolved content key, if any section needed one.
func (r *Reader) TitleKey() ([16]byte, bool) { return r.titleKey, r.hasKey }

func (r *Reader) SectionCount() int { return len(r.sections) }

func (r *Reader) Sections() []Section { return r.sections }

// Size returns the size of the NCA, preferring the source and falling
// back to the header.
func (r *Reader) Size() int64 {
	if s := r.raw.Size(); s >= 0 {
		return s
	}
	return int64(r.header.Size)
}

func (r *Reader) IsStream() bool { return r.raw.IsStream() }
func (r *Reader) SignalCancel()  { r.raw.SignalCancel() }

// ReadAt reads the decrypted NCA: the plaintext header, decrypted
// sections and everything else as stored.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nxerrors.ErrInvalidOffset
	}
	size := r.Size()

	total := 0
	for total < len(p) {
		pos := off + int64(total)
		if pos >= size {
			return total, io.EOF
		}
		buf := p[total:]
		if rem := size - pos; int64(len(buf)) > rem {
			buf = buf[:rem]
		}

		var n int
		var err error
		switch sec := r.sectionAt(pos); {
		case pos < HeaderSize:
			n = copy(buf, r.headerPlain[pos:])
		case sec != nil:
			if rem := sec.Offset + sec.Size - pos; int64(len(buf)) > rem {
				buf = buf[:rem]
			}
			if sec.err != nil {
				return total, sec.err
			}
			n, err = sec.src.ReadAt(buf, pos-sec.Offset)
		default:
			if next := r.nextSectionStart(pos); next > 0 && int64(len(buf)) > next-pos {
				buf = buf[:next-pos]
			}
			n, err = r.raw.ReadAt(buf, pos)
		}

		total += n
		if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// ReadEncrypted reads the NCA as stored. The header comes from the copy
// read by Open, so stream sources can be read again from the start.
func (r *Reader) ReadEncrypted(p []byte, off int64) (int, error) {
	if off < 0 || off >= HeaderSize {
		return r.raw.ReadAt(p, off)
	}
	n := copy(p, r.headerRaw[off:])
	if n == len(p) {
		return n, nil
	}
	m, err := r.raw.ReadAt(p[n:], HeaderSize)
	return n + m, err
}

func (r *Reader) sectionAt(pos int64) *Section {
	for i := range r.sections {
		s := &r.sections[i]
		if pos >= s.Offset && pos < s.Offset+s.Size {
			return s
		}
	}
	return nil
}

func (r *Reader) nextSectionStart(pos int64) int64 {
	next := int64(-1)
	for _, s := range r.sections {
		if s.Offset > pos && (next < 0 || s.Offset < next) {
			next = s.Offset
		}
	}
	return next
}

// CompressionEligible reports whether the NCA may be stored as NCZ:
// Program or PublicData content without XTS sections. Patch (AesCtrEx)
// sections are allowed; the compressor keeps them as stored.
func (r *Reader) CompressionEligible() bool {
	ct := r.header.ContentType
	if ct != ContentProgram && ct != ContentPublicData {
		return false
	}
	for _, s := range r.sections {
		if s.Header.EncryptionType == EncryptionAesXts {
			return false
		}
	}
	return true
}

var sectionNames = map[ContentType][]struct {
	name   string
	fsType FsType
}{
	ContentProgram:    {{"exeFS", FsTypePartitionFS}, {"RomFS", FsTypeRomFS}, {"Logo", FsTypePartitionFS}},
	ContentMeta:       {{"Meta", FsTypePartitionFS}},
	ContentControl:    {{"RomFS", FsTypeRomFS}},
	ContentManual:     {{"RomFS", FsTypeRomFS}},
	ContentData:       {{"RomFS", FsTypeRomFS}},
	ContentPublicData: {{"RomFS", FsTypeRomFS}},
}

// Collections lists the files of every readable section. Offsets are
// absolute in the decrypted stream served by ReadAt. The result is
// computed once.
func (r *Reader) Collections() ([]NamedSection, error) {
	if !r.collectionsDone {
		r.collections, r.collectionsErr = r.loadCollections()
		r.collectionsDone = true
	}
	return r.collections, r.collectionsErr
}

func (r *Reader) loadCollections() ([]NamedSection, error) {
	names := sectionNames[r.header.ContentType]
	var out []NamedSection

	for i := range r.sections {
		sec := &r.sections[i]
		fsh := sec.Header

		if i >= len(names) {
			return nil, nxerrors.Corrupt("unexpected section %d for %s content", i, r.header.ContentType)
		}
		if names[i].fsType != fsh.FsType {
			return nil, nxerrors.Corrupt("section %d: expected %s, got %s", i, names[i].fsType, fsh.FsType)
		}
		if fsh.HasCompression() {
			logger.LogInfo("Skipping compressed fs section", map[string]interface{}{"section": i})
			continue
		}
		if fsh.HasSparse() {
			logger.LogInfo("Skipping sparse fs section", map[string]interface{}{"section": i})
			continue
		}
		if sec.err != nil {
			logger.LogInfo("Skipping unreadable fs section", map[string]interface{}{
				"section":    i,
				"encryption": fsh.EncryptionType.String(),
			})
			continue
		}

		regionOff, regionSize, err := fsh.DataRegion()
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		if regionOff < 0 || regionSize < 0 || regionOff > sec.Size || regionSize > sec.Size-regionOff {
			return nil, nxerrors.Corrupt("section %d: data region [0x%x, +0x%x) exceeds section size 0x%x", i, regionOff, regionSize, sec.Size)
		}

		var container fs.Container = fs.RomFS{}
		if fsh.FsType == FsTypePartitionFS {
			container = fs.Pfs0{}
		} else if info, ok := fsh.HashData.(*IntegrityMetaInfo); ok {
			if err := info.Validate(); err != nil {
				return nil, fmt.Errorf("section %d: %w", i, err)
			}
		}

		base := sec.Offset + regionOff
		cols, err := container.GetCollections(r, base, base+regionSize)
		if err != nil {
			return nil, fmt.Errorf("section %d (%s): %w", i, names[i].name, err)
		}
		out = append(out, NamedSection{
			Name:        names[i].name,
			Index:       i,
			FsType:      fsh.FsType,
			Collections: cols,
		})
	}
	return out, nil
}
