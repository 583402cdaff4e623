// Package requestid computes the representation-independent hash used to
// sign request contents and delegations.
package requestid

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"icagent/go-identity/internal/principal"
)

// Domain separators prepended to a hash before it is signed.
var (
	DomainRequest    = []byte("\x0Aic-request")
	DomainDelegation = []byte("\x1Aic-request-auth-delegation")
)

// ID is the 32 byte request id.
type ID [sha256.Size]byte

// SigningMessage returns domain || id.
func (id ID) SigningMessage(domain []byte) []byte {
	out := make([]byte, 0, len(domain)+len(id))
	out = append(out, domain...)
	return append(out, id[:]...)
}

// HashOfMap hashes a map of field names to values. Supported values are
// []byte, string, uint64, int64, int, principal.Principal, [][]byte, []any
// and nested map[string]any. Nil values are skipped as absent fields.
func HashOfMap(fields map[string]any) (ID, error) {
	pairs := make([][]byte, 0, len(fields))
	for key, value := range fields {
		if value == nil {
			continue
		}
		valueHash, err := hashValue(value)
		if err != nil {
			return ID{}, fmt.Errorf("field %q: %w", key, err)
		}
		keyHash := sha256.Sum256([]byte(key))
		pair := make([]byte, 0, 2*sha256.Size)
		pair = append(pair, keyHash[:]...)
		pair = append(pair, valueHash[:]...)
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i], pairs[j]) < 0
	})
	h := sha256.New()
	for _, pair := range pairs {
		h.Write(pair)
	}
	var id ID
	copy(id[:], h.Sum(nil))
	return id, nil
}

func hashValue(value any) ([sha256.Size]byte, error) {
	switch v := value.(type) {
	case []byte:
		return sha256.Sum256(v), nil
	case string:
		return sha256.Sum256([]byte(v)), nil
	case uint64:
		return sha256.Sum256(binary.AppendUvarint(nil, v)), nil
	case int64:
		return hashSigned(v), nil
	case int:
		return hashSigned(int64(v)), nil
	case principal.Principal:
		return sha256.Sum256(v.Bytes()), nil
	case [][]byte:
		h := sha256.New()
		for _, item := range v {
			sum := sha256.Sum256(item)
			h.Write(sum[:])
		}
		var out [sha256.Size]byte
		copy(out[:], h.Sum(nil))
		return out, nil
	case []any:
		h := sha256.New()
		for _, item := range v {
			sum, err := hashValue(item)
			if err != nil {
				return [sha256.Size]byte{}, err
			}
			h.Write(sum[:])
		}
		var out [sha256.Size]byte
		copy(out[:], h.Sum(nil))
		return out, nil
	case map[string]any:
		id, err := HashOfMap(v)
		return id, err
	default:
		return [sha256.Size]byte{}, fmt.Errorf("unsupported value type %T", value)
	}
}

// hashSigned encodes non-negative values as unsigned LEB128 and negative
// values as signed LEB128.
func hashSigned(v int64) [sha256.Size]byte {
	if v >= 0 {
		return sha256.Sum256(binary.AppendUvarint(nil, uint64(v)))
	}
	return sha256.Sum256(appendSLEB128(nil, v))
}

func appendSLEB128(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}
