// Package errors holds the error kinds returned by the codec packages.
// Every failure is wrapped around one of these sentinels so callers can
// tell them apart with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	// Header and key errors
	ErrBadMagic           = errors.New("bad magic")
	ErrMissingMasterKey   = errors.New("missing master key")
	ErrMissingKey         = errors.New("missing key")
	ErrTitleKeyNotFound   = errors.New("title key not found")
	ErrPersonalizedTicket = errors.New("personalized ticket cannot be decrypted")
	ErrSignatureInvalid   = errors.New("signature invalid")

	// Section errors
	ErrUnsupportedEncryption = errors.New("unsupported encryption type")

	// Container errors
	ErrCorruptContainer = errors.New("corrupt container")

	// NCZ errors
	ErrBlockIndexOutOfRange       = errors.New("ncz block index out of range")
	ErrZstdDecompressSizeMismatch = errors.New("zstd decompressed size mismatch")
	ErrInvalidOffset              = errors.New("invalid offset")
	ErrNotSeekable                = errors.New("source is not seekable")
	ErrNotCompressible            = errors.New("content is not compressible")

	// Source errors
	ErrIO        = errors.New("i/o error")
	ErrCancelled = errors.New("cancelled")
)

// IOError wraps a failure reported by an underlying byte source.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s at 0x%x: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports ErrIO for every IOError so callers need not know the cause.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// Corrupt wraps ErrCorruptContainer with a formatted reason.
func Corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptContainer, fmt.Sprintf(format, args...))
}

// Is, As and New are re-exported so importers of this package do not also
// need the standard errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
