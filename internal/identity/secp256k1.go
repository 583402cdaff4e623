package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"icagent/go-identity/internal/principal"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1Identity signs with a single secp256k1 private key. An instance
// has one owner; Sign does not mutate the key, so concurrent Sign calls are
// safe as long as nobody calls Zero at the same time.
type Secp256k1Identity struct {
	priv      *secp256k1.PrivateKey
	publicDER []byte
	principal principal.Principal
}

// GetSecp256k1Identity builds a signing identity from a parsed JWK.
func GetSecp256k1Identity(jwk *JwkEcKey) (*Secp256k1Identity, error) {
	if jwk == nil {
		return nil, fmt.Errorf("%w: nil jwk", ErrKeyParse)
	}
	if jwk.PublicOnly() {
		return nil, ErrPublicOnlyKey
	}
	return NewSecp256k1Identity(jwk.D)
}

// NewSecp256k1Identity builds an identity from a 32 byte big-endian scalar.
func NewSecp256k1Identity(rawPrivateKey []byte) (*Secp256k1Identity, error) {
	priv, err := privateKeyFromScalar(rawPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyParse, err)
	}
	return newSecp256k1Identity(priv)
}

func GenerateSecp256k1Identity() (*Secp256k1Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newSecp256k1Identity(priv)
}

func newSecp256k1Identity(priv *secp256k1.PrivateKey) (*Secp256k1Identity, error) {
	der, err := MarshalPublicKeyDER(KeyAlgorithmSecp256k1, priv.PubKey().SerializeUncompressed())
	if err != nil {
		return nil, err
	}
	return &Secp256k1Identity{
		priv:      priv,
		publicDER: der,
		principal: principal.SelfAuthenticating(der),
	}, nil
}

func privateKeyFromScalar(raw []byte) (*secp256k1.PrivateKey, error) {
	if len(raw) != coordinateSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", coordinateSize, len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, errors.New("private key exceeds curve order")
	}
	if scalar.IsZero() {
		return nil, errors.New("private key is zero")
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

func (s *Secp256k1Identity) Principal() principal.Principal {
	if s == nil {
		return principal.Principal{}
	}
	return s.principal
}

// PublicKey returns the DER public key, or nil for a nil identity.
func (s *Secp256k1Identity) PublicKey() []byte {
	if s == nil {
		return nil
	}
	return cloneBytes(s.publicDER)
}

// Sign produces a 64 byte r||s ECDSA signature over SHA-256(message) with
// RFC 6979 nonces and a low S value.
func (s *Secp256k1Identity) Sign(message []byte) (Signature, error) {
	if s == nil || s.priv == nil || s.priv.Key.IsZero() {
		return Signature{}, ErrNoSigningKey
	}
	digest := sha256.Sum256(message)
	sig := secpecdsa.Sign(s.priv, digest[:])
	r := sig.R()
	sv := sig.S()
	rb := r.Bytes()
	sb := sv.Bytes()
	out := make([]byte, 0, ecdsaSignatureSize)
	out = append(out, rb[:]...)
	out = append(out, sb[:]...)
	return Signature{
		PublicKey: cloneBytes(s.publicDER),
		Signature: out,
	}, nil
}

// JWK exports the key including its private scalar.
func (s *Secp256k1Identity) JWK() *JwkEcKey {
	if s == nil || s.priv == nil {
		return nil
	}
	point := s.priv.PubKey().SerializeUncompressed()
	d := s.priv.Key.Bytes()
	return &JwkEcKey{
		X: append([]byte(nil), point[1:1+coordinateSize]...),
		Y: append([]byte(nil), point[1+coordinateSize:]...),
		D: append([]byte(nil), d[:]...),
	}
}

// Zero wipes the private scalar; later Sign calls fail with ErrNoSigningKey.
func (s *Secp256k1Identity) Zero() {
	if s == nil || s.priv == nil {
		return
	}
	s.priv.Zero()
}
