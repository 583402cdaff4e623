// Package principal implements the identifier used to address users and
// canisters: an opaque byte string of at most 29 bytes with a checksummed
// textual form.
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/multiformats/go-base32"
)

const (
	// MaxLength is the upper bound on the raw principal length.
	MaxLength = 29

	selfAuthenticatingTag = 0x02
	derivedTag            = 0x03
	anonymousTag          = 0x04
	reservedTag           = 0x7f

	groupSize = 5
)

var (
	ErrInvalidText     = errors.New("invalid principal text")
	ErrInvalidChecksum = errors.New("principal checksum mismatch")
	ErrTooLong         = errors.New("principal exceeds maximum length")
)

var textEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is an immutable value; two principals are equal when their raw
// bytes are equal, so == works as expected.
type Principal struct {
	raw string
}

// Management is the empty principal addressing the management canister.
var Management = Principal{}

// Anonymous is the principal of unauthenticated callers.
var Anonymous = Principal{raw: string([]byte{anonymousTag})}

func FromBytes(b []byte) (Principal, error) {
	if len(b) > MaxLength {
		return Principal{}, fmt.Errorf("%w: %d bytes", ErrTooLong, len(b))
	}
	return Principal{raw: string(b)}, nil
}

// SelfAuthenticating derives the principal owned by a DER-encoded public key.
func SelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	raw := make([]byte, 0, len(sum)+1)
	raw = append(raw, sum[:]...)
	raw = append(raw, selfAuthenticatingTag)
	return Principal{raw: string(raw)}
}

// Derived builds the principal of an object derived from a registering principal.
func Derived(registering Principal, nonce []byte) Principal {
	h := sha256.New224()
	h.Write([]byte{byte(len(registering.raw))})
	h.Write([]byte(registering.raw))
	h.Write(nonce)
	raw := append(h.Sum(nil), derivedTag)
	return Principal{raw: string(raw)}
}

func FromText(text string) (Principal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Principal{}, ErrInvalidText
	}
	compact := strings.ReplaceAll(strings.ToLower(text), "-", "")
	decoded, err := textEncoding.DecodeString(strings.ToUpper(compact))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	if len(decoded) < 4 {
		return Principal{}, fmt.Errorf("%w: too short", ErrInvalidText)
	}
	raw := decoded[4:]
	if len(raw) > MaxLength {
		return Principal{}, fmt.Errorf("%w: %d bytes", ErrTooLong, len(raw))
	}
	if binary.BigEndian.Uint32(decoded[:4]) != crc32.ChecksumIEEE(raw) {
		return Principal{}, ErrInvalidChecksum
	}
	p := Principal{raw: string(raw)}
	if p.String() != strings.ToLower(text) {
		return Principal{}, fmt.Errorf("%w: not in canonical form", ErrInvalidText)
	}
	return p, nil
}

// MustFromText is FromText for compile-time constants.
func MustFromText(text string) Principal {
	p, err := FromText(text)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Principal) Bytes() []byte {
	return []byte(p.raw)
}

func (p Principal) Len() int {
	return len(p.raw)
}

func (p Principal) Equal(other Principal) bool {
	return p.raw == other.raw
}

func (p Principal) Compare(other Principal) int {
	return bytes.Compare([]byte(p.raw), []byte(other.raw))
}

func (p Principal) IsAnonymous() bool {
	return p.raw == Anonymous.raw
}

func (p Principal) IsManagement() bool {
	return p.raw == ""
}

func (p Principal) IsSelfAuthenticating() bool {
	return len(p.raw) == sha256.Size224+1 && p.raw[len(p.raw)-1] == selfAuthenticatingTag
}

func (p Principal) IsReserved() bool {
	return len(p.raw) > 0 && p.raw[len(p.raw)-1] == reservedTag
}

// String returns the textual form: base32 of crc32(raw)||raw, lower case, in
// dash separated groups of five characters.
func (p Principal) String() string {
	buf := make([]byte, 4, 4+len(p.raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE([]byte(p.raw)))
	buf = append(buf, p.raw...)
	encoded := strings.ToLower(textEncoding.EncodeToString(buf))

	var sb strings.Builder
	sb.Grow(len(encoded) + len(encoded)/groupSize)
	for i := 0; i < len(encoded); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + groupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := FromText(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
