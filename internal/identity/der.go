package identity

import (
	"crypto/ed25519"
	"encoding/asn1"
	"fmt"
)

type KeyAlgorithm int

const (
	KeyAlgorithmUnknown KeyAlgorithm = iota
	KeyAlgorithmEd25519
	KeyAlgorithmSecp256k1
	KeyAlgorithmP256
	// KeyAlgorithmCanisterSig marks keys whose signatures are certified
	// canister state rather than a plain curve signature.
	KeyAlgorithmCanisterSig
)

func (a KeyAlgorithm) String() string {
	switch a {
	case KeyAlgorithmEd25519:
		return "ed25519"
	case KeyAlgorithmSecp256k1:
		return "secp256k1"
	case KeyAlgorithmP256:
		return "p256"
	case KeyAlgorithmCanisterSig:
		return "canister_sig"
	default:
		return "unknown"
	}
}

var (
	oidEd25519     = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
	oidP256        = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidCanisterSig = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56387, 1, 2}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type subjectPublicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

// PublicKeyInfo is a decoded SubjectPublicKeyInfo.
type PublicKeyInfo struct {
	Algorithm KeyAlgorithm
	// Key is the raw key: 32 bytes for ed25519, an uncompressed SEC1 point
	// for the ECDSA curves, the canister id || seed blob for canister keys.
	Key []byte
}

func ParsePublicKeyDER(der []byte) (PublicKeyInfo, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &spki)
	if err != nil {
		return PublicKeyInfo{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(rest) != 0 {
		return PublicKeyInfo{}, fmt.Errorf("%w: trailing data after public key", ErrInvalidKey)
	}
	key := spki.PublicKey.RightAlign()
	switch {
	case spki.Algorithm.Algorithm.Equal(oidEd25519):
		if len(key) != ed25519.PublicKeySize {
			return PublicKeyInfo{}, fmt.Errorf("%w: ed25519 key size %d", ErrInvalidKey, len(key))
		}
		return PublicKeyInfo{Algorithm: KeyAlgorithmEd25519, Key: key}, nil
	case spki.Algorithm.Algorithm.Equal(oidECPublicKey):
		var curve asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &curve); err != nil {
			return PublicKeyInfo{}, fmt.Errorf("%w: ec curve parameters: %v", ErrInvalidKey, err)
		}
		switch {
		case curve.Equal(oidSecp256k1):
			return PublicKeyInfo{Algorithm: KeyAlgorithmSecp256k1, Key: key}, nil
		case curve.Equal(oidP256):
			return PublicKeyInfo{Algorithm: KeyAlgorithmP256, Key: key}, nil
		default:
			return PublicKeyInfo{}, fmt.Errorf("%w: ec curve %s", ErrUnsupportedKey, curve)
		}
	case spki.Algorithm.Algorithm.Equal(oidCanisterSig):
		return PublicKeyInfo{Algorithm: KeyAlgorithmCanisterSig, Key: key}, nil
	default:
		return PublicKeyInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedKey, spki.Algorithm.Algorithm)
	}
}

func MarshalPublicKeyDER(alg KeyAlgorithm, key []byte) ([]byte, error) {
	var algID algorithmIdentifier
	switch alg {
	case KeyAlgorithmEd25519:
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key size %d", ErrInvalidKey, len(key))
		}
		algID.Algorithm = oidEd25519
	case KeyAlgorithmSecp256k1, KeyAlgorithmP256:
		curve := oidSecp256k1
		if alg == KeyAlgorithmP256 {
			curve = oidP256
		}
		params, err := asn1.Marshal(curve)
		if err != nil {
			return nil, err
		}
		algID.Algorithm = oidECPublicKey
		algID.Parameters = asn1.RawValue{FullBytes: params}
	case KeyAlgorithmCanisterSig:
		algID.Algorithm = oidCanisterSig
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, alg)
	}
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algID,
		PublicKey: asn1.BitString{Bytes: key, BitLength: 8 * len(key)},
	})
}
