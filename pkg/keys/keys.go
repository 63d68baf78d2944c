package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	nxerrors "github.com/falk/nxcodec/pkg/errors"
)

const (
	// MaxKeyGeneration bounds every per-generation key table.
	MaxKeyGeneration = 0x20

	KeyAreaApplication = 0
	KeyAreaOcean       = 1
	KeyAreaSystem      = 2
)

var keyAreaNames = [3]string{"application", "ocean", "system"}

// KeySet is the key material needed to open content. Build it once with
// Load or Parse followed by Derive, then share it read-only.
type KeySet struct {
	named map[string][]byte

	HeaderKey       []byte
	MasterKeys      [MaxKeyGeneration][]byte
	KeyAreaKeys     [MaxKeyGeneration][3][]byte
	TitleKeks       [MaxKeyGeneration][]byte
	FixedKeyModulus [2][]byte

	Tickets []Ticket
}

// New returns an empty key set.
func New() *KeySet {
	return &KeySet{named: make(map[string][]byte)}
}

// Load reads keys from a file.
// Format expected: key_name = HEXVALUE
func Load(path string) (*KeySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads key lines from r and derives the per-generation keys.
func Parse(r io.Reader) (*KeySet, error) {
	ks := New()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		name := strings.ToLower(strings.TrimSpace(parts[0]))
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			// Tools emit placeholder values for keys they could not dump.
			continue
		}
		ks.named[name] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	ks.Derive()
	return ks, nil
}

// LoadDefault tries to load keys from standard locations.
func LoadDefault() (*KeySet, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	paths := []string{
		"prod.keys",
		"keys.txt",
		filepath.Join(home, ".switch", "prod.keys"),
		filepath.Join(home, ".switch", "keys.txt"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return nil, fmt.Errorf("%w: no keys file found", nxerrors.ErrMissingKey)
}

// Get retrieves a key by name. Returns nil if not found.
func (ks *KeySet) Get(name string) []byte {
	if k, ok := ks.named[name]; ok {
		// Return a copy to prevent modification
		dest := make([]byte, len(k))
		copy(dest, k)
		return dest
	}
	return nil
}

// Set stores a named key. Call Derive afterwards to refresh the tables.
func (ks *KeySet) Set(name string, value []byte) {
	if ks.named == nil {
		ks.named = make(map[string][]byte)
	}
	ks.named[strings.ToLower(name)] = append([]byte(nil), value...)
}

// MasterKeyIndex maps an NCA key generation to a master key revision.
// Generations 0 and 1 both use revision 0.
func MasterKeyIndex(keyGeneration uint8) int {
	if keyGeneration == 0 {
		return 0
	}
	return int(keyGeneration) - 1
}

// KeyAreaKey returns the key-area encryption key for a master key
// revision and key area index.
func (ks *KeySet) KeyAreaKey(revision, index int) ([]byte, error) {
	if index < 0 || index >= len(keyAreaNames) {
		return nil, fmt.Errorf("%w: invalid key area index %d", nxerrors.ErrMissingMasterKey, index)
	}
	if revision < 0 || revision >= MaxKeyGeneration || ks.KeyAreaKeys[revision][index] == nil {
		return nil, fmt.Errorf("%w: key_area_key_%s_%02x", nxerrors.ErrMissingMasterKey, keyAreaNames[index], revision)
	}
	return ks.KeyAreaKeys[revision][index], nil
}

// TitleKek returns the title key encryption key for a master key revision.
func (ks *KeySet) TitleKek(revision int) ([]byte, error) {
	if revision < 0 || revision >= MaxKeyGeneration || ks.TitleKeks[revision] == nil {
		return nil, fmt.Errorf("%w: titlekek_%02x", nxerrors.ErrMissingMasterKey, revision)
	}
	return ks.TitleKeks[revision], nil
}

// AddTicket makes a ticket available to title key resolution.
func (ks *KeySet) AddTicket(t Ticket) {
	ks.Tickets = append(ks.Tickets, t)
}

// FindTicket returns the ticket for rightsID.
func (ks *KeySet) FindTicket(rightsID [16]byte) (Ticket, bool) {
	for _, t := range ks.Tickets {
		if t.RightsID == rightsID {
			return t, true
		}
	}
	return Ticket{}, false
}
