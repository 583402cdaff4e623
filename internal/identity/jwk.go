package identity

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	jwkKeyTypeEC      = "EC"
	jwkCurveSecp256k1 = "secp256k1"
	coordinateSize    = 32
)

// JwkEcKey is a parsed and validated secp256k1 JSON Web Key. D is nil for
// public-only keys.
type JwkEcKey struct {
	X []byte
	Y []byte
	D []byte
}

type jwkJSON struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	D   string `json:"d,omitempty"`
}

// ParseJwk parses JSON text into a secp256k1 key. Every failure wraps
// ErrKeyParse.
func ParseJwk(text string) (*JwkEcKey, error) {
	var raw jwkJSON
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyParse, err)
	}
	return raw.toKey()
}

// ParseJwkOptional returns nil instead of an error.
func ParseJwkOptional(text string) *JwkEcKey {
	key, err := ParseJwk(text)
	if err != nil {
		return nil
	}
	return key
}

func (j jwkJSON) toKey() (*JwkEcKey, error) {
	if j.Kty != jwkKeyTypeEC {
		return nil, fmt.Errorf("%w: kty must be %q", ErrKeyParse, jwkKeyTypeEC)
	}
	if j.Crv == "" {
		return nil, fmt.Errorf("%w: crv is required", ErrKeyParse)
	}
	if j.Crv != jwkCurveSecp256k1 {
		return nil, fmt.Errorf("%w: unsupported curve %q", ErrKeyParse, j.Crv)
	}
	if j.X == "" {
		return nil, fmt.Errorf("%w: x is required", ErrKeyParse)
	}
	if j.Y == "" && j.D == "" {
		return nil, fmt.Errorf("%w: y or d is required", ErrKeyParse)
	}

	key := &JwkEcKey{}
	var err error
	if key.X, err = decodeCoordinate("x", j.X); err != nil {
		return nil, err
	}
	if j.D != "" {
		if key.D, err = decodeCoordinate("d", j.D); err != nil {
			return nil, err
		}
		priv, err := privateKeyFromScalar(key.D)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyParse, err)
		}
		point := priv.PubKey().SerializeUncompressed()
		if string(point[1:1+coordinateSize]) != string(key.X) {
			return nil, fmt.Errorf("%w: d does not match x", ErrKeyParse)
		}
		derivedY := point[1+coordinateSize:]
		if j.Y != "" {
			y, err := decodeCoordinate("y", j.Y)
			if err != nil {
				return nil, err
			}
			if string(y) != string(derivedY) {
				return nil, fmt.Errorf("%w: d does not match y", ErrKeyParse)
			}
		}
		key.Y = append([]byte(nil), derivedY...)
		return key, nil
	}

	if key.Y, err = decodeCoordinate("y", j.Y); err != nil {
		return nil, err
	}
	if _, err := secp256k1.ParsePubKey(key.uncompressedPoint()); err != nil {
		return nil, fmt.Errorf("%w: point is not on curve", ErrKeyParse)
	}
	return key, nil
}

func decodeCoordinate(name, value string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64url", ErrKeyParse, name)
	}
	if len(raw) != coordinateSize {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrKeyParse, name, coordinateSize, len(raw))
	}
	return raw, nil
}

func (k *JwkEcKey) PublicOnly() bool {
	return len(k.D) == 0
}

func (k *JwkEcKey) uncompressedPoint() []byte {
	point := make([]byte, 0, 1+2*coordinateSize)
	point = append(point, 0x04)
	point = append(point, k.X...)
	point = append(point, k.Y...)
	return point
}

// PublicKeyDER returns the SubjectPublicKeyInfo of the key.
func (k *JwkEcKey) PublicKeyDER() ([]byte, error) {
	return MarshalPublicKeyDER(KeyAlgorithmSecp256k1, k.uncompressedPoint())
}

// PublicJWK drops the private component.
func (k *JwkEcKey) PublicJWK() *JwkEcKey {
	return &JwkEcKey{X: cloneBytes(k.X), Y: cloneBytes(k.Y)}
}

func (k *JwkEcKey) MarshalJSON() ([]byte, error) {
	out := jwkJSON{
		Kty: jwkKeyTypeEC,
		Crv: jwkCurveSecp256k1,
		X:   base64.RawURLEncoding.EncodeToString(k.X),
		Y:   base64.RawURLEncoding.EncodeToString(k.Y),
	}
	if len(k.D) > 0 {
		out.D = base64.RawURLEncoding.EncodeToString(k.D)
	}
	return json.Marshal(out)
}

func (k *JwkEcKey) UnmarshalJSON(data []byte) error {
	var raw jwkJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyParse, err)
	}
	parsed, err := raw.toKey()
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}
