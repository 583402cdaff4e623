package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"icagent/go-identity/internal/principal"
)

// Ed25519Identity is the basic identity used for short-lived session keys
// at the end of a delegation chain.
type Ed25519Identity struct {
	priv      ed25519.PrivateKey
	publicDER []byte
	principal principal.Principal
}

func GenerateEd25519Identity() (*Ed25519Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newEd25519Identity(priv)
}

func NewEd25519IdentityFromSeed(seed []byte) (*Ed25519Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes", ErrKeyParse, ed25519.SeedSize)
	}
	return newEd25519Identity(ed25519.NewKeyFromSeed(seed))
}

func newEd25519Identity(priv ed25519.PrivateKey) (*Ed25519Identity, error) {
	pub := priv.Public().(ed25519.PublicKey)
	der, err := MarshalPublicKeyDER(KeyAlgorithmEd25519, pub)
	if err != nil {
		return nil, err
	}
	return &Ed25519Identity{
		priv:      append(ed25519.PrivateKey(nil), priv...),
		publicDER: der,
		principal: principal.SelfAuthenticating(der),
	}, nil
}

func (e *Ed25519Identity) Principal() principal.Principal {
	if e == nil {
		return principal.Principal{}
	}
	return e.principal
}

func (e *Ed25519Identity) PublicKey() []byte {
	if e == nil {
		return nil
	}
	return cloneBytes(e.publicDER)
}

func (e *Ed25519Identity) Sign(message []byte) (Signature, error) {
	if e == nil || len(e.priv) != ed25519.PrivateKeySize {
		return Signature{}, ErrNoSigningKey
	}
	return Signature{
		PublicKey: cloneBytes(e.publicDER),
		Signature: ed25519.Sign(e.priv, message),
	}, nil
}

// Seed returns the 32 byte private seed, or nil once the key is zeroed.
func (e *Ed25519Identity) Seed() []byte {
	if e == nil || len(e.priv) != ed25519.PrivateKeySize {
		return nil
	}
	return cloneBytes(e.priv.Seed())
}

func (e *Ed25519Identity) Zero() {
	if e == nil {
		return
	}
	zeroBytes(e.priv)
	e.priv = nil
}
