package identity

import (
	"errors"
	"time"

	"icagent/go-identity/internal/principal"
)

var (
	ErrKeyParse       = errors.New("key parse failed")
	ErrPublicOnlyKey  = errors.New("key has no private component")
	ErrNoSigningKey   = errors.New("identity has no signing key")
	ErrInvalidKey     = errors.New("invalid key material")
	ErrUnsupportedKey = errors.New("unsupported key algorithm")
	ErrBadSignature   = errors.New("signature verification failed")
)

// SigningIdentity is the capability shared by every identity variant: it
// produces signatures over arbitrary bytes and names the principal it acts as.
type SigningIdentity interface {
	Principal() principal.Principal
	// PublicKey returns the DER SubjectPublicKeyInfo of the key that
	// verifies Sign output, or nil for the anonymous identity.
	PublicKey() []byte
	Sign(message []byte) (Signature, error)
}

// Signature is the result of SigningIdentity.Sign. PublicKey is the key a
// receiver checks the signature chain against: the signing key itself for
// basic identities, the delegation root for delegated ones.
type Signature struct {
	PublicKey   []byte
	Signature   []byte
	Delegations []SignedDelegation
}

// Delegation authorizes PubKey to sign on behalf of the key that signed it
// until Expiration. A nil Targets list means any canister.
type Delegation struct {
	PubKey     []byte
	Expiration time.Time
	Targets    []principal.Principal
}

type SignedDelegation struct {
	Delegation Delegation
	Signature  []byte
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// CloneDelegations deep-copies a delegation list.
func CloneDelegations(in []SignedDelegation) []SignedDelegation {
	if in == nil {
		return nil
	}
	out := make([]SignedDelegation, 0, len(in))
	for _, sd := range in {
		var targets []principal.Principal
		if sd.Delegation.Targets != nil {
			targets = append([]principal.Principal{}, sd.Delegation.Targets...)
		}
		out = append(out, SignedDelegation{
			Delegation: Delegation{
				PubKey:     cloneBytes(sd.Delegation.PubKey),
				Expiration: sd.Delegation.Expiration,
				Targets:    targets,
			},
			Signature: cloneBytes(sd.Signature),
		})
	}
	return out
}
