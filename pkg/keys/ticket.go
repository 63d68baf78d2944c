package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

// TitleKeyType says how the title key block of a ticket is protected.
type TitleKeyType uint8

const (
	TitleKeyCommon       TitleKeyType = 0
	TitleKeyPersonalized TitleKeyType = 1
)

func (t TitleKeyType) String() string {
	switch t {
	case TitleKeyCommon:
		return "common"
	case TitleKeyPersonalized:
		return "personalized"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

const (
	ticketDataSize      = 0x180
	ticketFormatVersion = 2
)

// signature size and padding per signature type
var signatureLayouts = map[uint32][2]int{
	0x10000: {0x200, 0x3C}, // RSA-4096 SHA1
	0x10001: {0x100, 0x3C}, // RSA-2048 SHA1
	0x10002: {0x3C, 0x40},  // ECDSA SHA1
	0x10003: {0x200, 0x3C}, // RSA-4096 SHA256
	0x10004: {0x100, 0x3C}, // RSA-2048 SHA256
	0x10005: {0x3C, 0x40},  // ECDSA SHA256
	0x10006: {0x14, 0x28},  // HMAC SHA1
}

// Ticket is the subset of an eTicket needed to recover a title key.
type Ticket struct {
	Issuer            string
	RightsID          [16]byte
	KeyGeneration     uint8
	EncryptedTitleKey [16]byte
	TitleKeyType      TitleKeyType
	TicketID          uint64
	DeviceID          uint64
}

// RightsIDString returns the rights id as lowercase hex.
func (t Ticket) RightsIDString() string {
	return hex.EncodeToString(t.RightsID[:])
}

// ParseTicket decodes a signed ticket.
func ParseTicket(b []byte) (Ticket, error) {
	if len(b) < 4 {
		return Ticket{}, nxerrors.Corrupt("ticket too small: %d bytes", len(b))
	}

	sigType := binary.BigEndian.Uint32(b[:4])
	layout, ok := signatureLayouts[sigType]
	if !ok {
		return Ticket{}, nxerrors.Corrupt("unknown ticket signature type 0x%x", sigType)
	}

	off := 4 + layout[0] + layout[1]
	if len(b) < off+ticketDataSize {
		return Ticket{}, nxerrors.Corrupt("ticket truncated: %d bytes, need %d", len(b), off+ticketDataSize)
	}
	d := b[off : off+ticketDataSize]

	if d[0x140] != ticketFormatVersion {
		return Ticket{}, nxerrors.Corrupt("unsupported ticket format version %d", d[0x140])
	}

	t := Ticket{
		Issuer:        string(bytes.TrimRight(d[:0x40], "\x00")),
		TitleKeyType:  TitleKeyType(d[0x141]),
		KeyGeneration: d[0x145],
		TicketID:      binary.LittleEndian.Uint64(d[0x150:]),
		DeviceID:      binary.LittleEndian.Uint64(d[0x158:]),
	}
	copy(t.EncryptedTitleKey[:], d[0x40:0x50])
	copy(t.RightsID[:], d[0x160:0x170])
	return t, nil
}

// MarshalBinary writes the ticket with an RSA-2048 SHA256 signature block.
// The signature itself is left zero.
func (t Ticket) MarshalBinary() ([]byte, error) {
	layout := signatureLayouts[0x10004]
	off := 4 + layout[0] + layout[1]
	b := make([]byte, off+ticketDataSize)
	binary.BigEndian.PutUint32(b, 0x10004)

	d := b[off:]
	copy(d[:0x40], t.Issuer)
	copy(d[0x40:0x50], t.EncryptedTitleKey[:])
	d[0x140] = ticketFormatVersion
	d[0x141] = byte(t.TitleKeyType)
	d[0x145] = t.KeyGeneration
	binary.LittleEndian.PutUint64(d[0x150:], t.TicketID)
	binary.LittleEndian.PutUint64(d[0x158:], t.DeviceID)
	copy(d[0x160:0x170], t.RightsID[:])
	return b, nil
}

// TitleKey decrypts the ticket's title key with the title kek of revision.
func (ks *KeySet) TitleKey(t Ticket, revision int) ([16]byte, error) {
	var out [16]byte
	if t.TitleKeyType == TitleKeyPersonalized {
		return out, fmt.Errorf("%w: rights id %s", nxerrors.ErrPersonalizedTicket, t.RightsIDString())
	}
	if t.TitleKeyType != TitleKeyCommon {
		return out, nxerrors.Corrupt("ticket %s: title key type %s", t.RightsIDString(), t.TitleKeyType)
	}

	dec, err := ks.DecryptTitleKey(t.EncryptedTitleKey[:], revision)
	if err != nil {
		return out, err
	}
	copy(out[:], dec)
	return out, nil
}
