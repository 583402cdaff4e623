package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const ecdsaSignatureSize = 64

// VerifySignature checks sig over message against a DER-encoded public key.
// ECDSA signatures are 64 byte r||s over SHA-256(message); ed25519 signs the
// message directly. Canister signatures are not plain curve signatures and
// are reported as ErrUnsupportedKey.
func VerifySignature(derPublicKey, message, sig []byte) error {
	info, err := ParsePublicKeyDER(derPublicKey)
	if err != nil {
		return err
	}
	switch info.Algorithm {
	case KeyAlgorithmEd25519:
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(info.Key), message, sig) {
			return ErrBadSignature
		}
		return nil
	case KeyAlgorithmSecp256k1:
		return verifySecp256k1(info.Key, message, sig)
	case KeyAlgorithmP256:
		return verifyP256(info.Key, message, sig)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, info.Algorithm)
	}
}

func verifySecp256k1(point, message, sig []byte) error {
	pub, err := secp256k1.ParsePubKey(point)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(sig) != ecdsaSignatureSize {
		return ErrBadSignature
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return ErrBadSignature
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() || s.IsOverHalfOrder() {
		return ErrBadSignature
	}
	digest := sha256.Sum256(message)
	if !secpecdsa.NewSignature(&r, &s).Verify(digest[:], pub) {
		return ErrBadSignature
	}
	return nil
}

func verifyP256(point, message, sig []byte) error {
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), point)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(sig) != ecdsaSignatureSize {
		return ErrBadSignature
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256(message)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrBadSignature
	}
	return nil
}
