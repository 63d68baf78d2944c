package keys

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/falk/nxcodec/pkg/crypto"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

func seq(start byte) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestParseIgnoresCommentsAndBadLines(t *testing.T) {
	in := strings.Join([]string{
		"# dumped keys",
		"; another comment",
		"",
		"HEADER_KEY = " + strings.Repeat("ab", 32),
		"titlekek_00=" + hex.EncodeToString(seq(1)),
		"master_key_01 = not-hex",
		"garbage line",
	}, "\n")

	ks, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ks.HeaderKey) != 32 {
		t.Errorf("HeaderKey length = %d, want 32", len(ks.HeaderKey))
	}
	if ks.Get("master_key_01") != nil {
		t.Error("invalid hex value was stored")
	}
	if got, err := ks.TitleKek(0); err != nil || !bytes.Equal(got, seq(1)) {
		t.Errorf("TitleKek(0) = %x, %v", got, err)
	}
}

func TestDeriveFromMasterKey(t *testing.T) {
	ks := New()
	ks.Set("master_key_03", seq(0x10))
	ks.Set("aes_kek_generation_source", seq(0x20))
	ks.Set("aes_key_generation_source", seq(0x30))
	ks.Set("key_area_key_application_source", seq(0x40))
	ks.Set("titlekek_source", seq(0x50))
	ks.Set("key_area_key_system_03", seq(0x60))
	ks.Derive()

	want, err := GenerateKek(seq(0x40), seq(0x10), seq(0x20), seq(0x30))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ks.KeyAreaKey(3, KeyAreaApplication)
	if err != nil || !bytes.Equal(got, want) {
		t.Errorf("derived application key = %x, %v; want %x", got, err, want)
	}

	// Named keys win over derivation.
	if got, _ := ks.KeyAreaKey(3, KeyAreaSystem); !bytes.Equal(got, seq(0x60)) {
		t.Errorf("system key = %x, want named value", got)
	}

	wantKek, _ := crypto.ECBDecrypt(seq(0x50), seq(0x10))
	if got, err := ks.TitleKek(3); err != nil || !bytes.Equal(got, wantKek) {
		t.Errorf("TitleKek(3) = %x, %v", got, err)
	}

	if _, err := ks.KeyAreaKey(4, KeyAreaApplication); !errors.Is(err, nxerrors.ErrMissingMasterKey) {
		t.Errorf("KeyAreaKey(4) error = %v, want ErrMissingMasterKey", err)
	}
	if _, err := ks.KeyAreaKey(3, 7); !errors.Is(err, nxerrors.ErrMissingMasterKey) {
		t.Errorf("KeyAreaKey(3, 7) error = %v, want ErrMissingMasterKey", err)
	}
}

func TestMasterKeyIndex(t *testing.T) {
	tests := []struct {
		gen  uint8
		want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {0x11, 0x10},
	}
	for _, tc := range tests {
		if got := MasterKeyIndex(tc.gen); got != tc.want {
			t.Errorf("MasterKeyIndex(%d) = %d, want %d", tc.gen, got, tc.want)
		}
	}
}

func TestTicketRoundTrip(t *testing.T) {
	ks := New()
	ks.Set("titlekek_02", seq(0x70))
	ks.Derive()

	titleKey := seq(0x80)
	enc, err := ks.EncryptTitleKey(titleKey, 2)
	if err != nil {
		t.Fatal(err)
	}

	tk := Ticket{
		Issuer:        "Root-CA00000003-XS00000020",
		KeyGeneration: 3,
		TicketID:      42,
	}
	copy(tk.RightsID[:], seq(0x90))
	copy(tk.EncryptedTitleKey[:], enc)

	raw, err := tk.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 0x2C0 {
		t.Fatalf("ticket size = 0x%x, want 0x2c0", len(raw))
	}
	if !bytes.Equal(raw[0x180:0x190], enc) {
		t.Error("title key block not at 0x180")
	}

	parsed, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}
	if parsed != tk {
		t.Errorf("parsed ticket = %+v, want %+v", parsed, tk)
	}

	ks.AddTicket(parsed)
	found, ok := ks.FindTicket(tk.RightsID)
	if !ok {
		t.Fatal("FindTicket did not find the ticket")
	}
	got, err := ks.TitleKey(found, 2)
	if err != nil || !bytes.Equal(got[:], titleKey) {
		t.Errorf("TitleKey = %x, %v; want %x", got, err, titleKey)
	}

	var other [16]byte
	if _, ok := ks.FindTicket(other); ok {
		t.Error("FindTicket matched an unknown rights id")
	}
}

func TestTicketRejections(t *testing.T) {
	base, _ := Ticket{}.MarshalBinary()

	badSig := append([]byte(nil), base...)
	badSig[3] = 0x42
	if _, err := ParseTicket(badSig); !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("unknown signature type: %v", err)
	}

	if _, err := ParseTicket(base[:0x200]); !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("truncated ticket: %v", err)
	}

	badVersion := append([]byte(nil), base...)
	badVersion[0x280] = 1
	if _, err := ParseTicket(badVersion); !errors.Is(err, nxerrors.ErrCorruptContainer) {
		t.Errorf("format version 1: %v", err)
	}

	ks := New()
	ks.Set("titlekek_00", seq(0))
	ks.Derive()
	if _, err := ks.TitleKey(Ticket{TitleKeyType: TitleKeyPersonalized}, 0); !errors.Is(err, nxerrors.ErrPersonalizedTicket) {
		t.Errorf("personalized ticket: %v", err)
	}
	if _, err := ks.TitleKey(Ticket{}, 5); !errors.Is(err, nxerrors.ErrMissingMasterKey) {
		t.Errorf("missing titlekek: %v", err)
	}
}
