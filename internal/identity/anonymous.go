package identity

import "icagent/go-identity/internal/principal"

// AnonymousIdentity is the unauthenticated caller. It holds no key, so Sign
// always fails; request builders send anonymous content unsigned.
type AnonymousIdentity struct{}

func (AnonymousIdentity) Principal() principal.Principal {
	return principal.Anonymous
}

func (AnonymousIdentity) PublicKey() []byte {
	return nil
}

func (AnonymousIdentity) Sign([]byte) (Signature, error) {
	return Signature{}, ErrNoSigningKey
}
