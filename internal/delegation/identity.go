package delegation

import (
	"fmt"
	"time"

	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"
)

// DelegatedIdentity signs with the session key at the end of a verified
// chain and presents the chain alongside every signature. Values are only
// produced by Verifier and are immutable afterwards.
type DelegatedIdentity struct {
	rootKey    []byte
	chain      []identity.SignedDelegation
	terminal   identity.SigningIdentity
	targets    []principal.Principal
	expiration time.Time
}

var _ identity.SigningIdentity = (*DelegatedIdentity)(nil)

// Principal is the principal of the session key.
func (d *DelegatedIdentity) Principal() principal.Principal {
	return d.terminal.Principal()
}

// SenderPrincipal is the principal requests are attributed to: the one
// derived from the root key.
func (d *DelegatedIdentity) SenderPrincipal() principal.Principal {
	return principal.SelfAuthenticating(d.rootKey)
}

// PublicKey returns the DER encoded root key.
func (d *DelegatedIdentity) PublicKey() []byte {
	return append([]byte(nil), d.rootKey...)
}

func (d *DelegatedIdentity) RootKey() []byte {
	return d.PublicKey()
}

func (d *DelegatedIdentity) Sign(message []byte) (identity.Signature, error) {
	sig, err := d.terminal.Sign(message)
	if err != nil {
		return identity.Signature{}, err
	}
	return identity.Signature{
		PublicKey:   d.PublicKey(),
		Signature:   sig.Signature,
		Delegations: d.Delegations(),
	}, nil
}

func (d *DelegatedIdentity) Delegations() []identity.SignedDelegation {
	return identity.CloneDelegations(d.chain)
}

// Expiration is the earliest expiration across the chain.
func (d *DelegatedIdentity) Expiration() time.Time {
	return d.expiration
}

// Expired reports whether any link has expired at now.
func (d *DelegatedIdentity) Expired(now time.Time) bool {
	return !d.expiration.After(now)
}

// Targets returns the canisters the chain is restricted to. A nil result
// means the chain is unrestricted.
func (d *DelegatedIdentity) Targets() []principal.Principal {
	if d.targets == nil {
		return nil
	}
	return append([]principal.Principal{}, d.targets...)
}

func (d *DelegatedIdentity) Permits(canister principal.Principal) bool {
	if d.targets == nil {
		return true
	}
	for _, t := range d.targets {
		if t.Equal(canister) {
			return true
		}
	}
	return false
}

// CheckTarget returns ErrTargetNotPermitted when the chain does not allow
// calls to canister.
func (d *DelegatedIdentity) CheckTarget(canister principal.Principal) error {
	if d.Permits(canister) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTargetNotPermitted, canister)
}

// Bytes serializes the identity in the same format FromBytes accepts. It
// requires a secp256k1 session key.
func (d *DelegatedIdentity) Bytes() ([]byte, error) {
	terminal, ok := d.terminal.(*identity.Secp256k1Identity)
	if !ok {
		return nil, fmt.Errorf("%w: session key %T cannot be exported", identity.ErrUnsupportedKey, d.terminal)
	}
	jwk := terminal.JWK()
	if jwk == nil {
		return nil, identity.ErrNoSigningKey
	}
	return EncodeWire(d.rootKey, d.chain, jwk)
}
