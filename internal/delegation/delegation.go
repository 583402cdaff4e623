// Package delegation reconstructs and verifies delegated identities: a root
// public key, an ordered chain of signed delegations and the session key at
// the end of the chain.
package delegation

import (
	"errors"
	"fmt"
	"time"

	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"
	"icagent/go-identity/internal/requestid"
)

// MaxChainLength bounds the number of links accepted in one chain.
const MaxChainLength = 20

// SigningMessage returns the bytes the issuer of d signs.
func SigningMessage(d identity.Delegation) ([]byte, error) {
	expiration, err := expirationNanos(d.Expiration)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"pubkey":     d.PubKey,
		"expiration": expiration,
	}
	if d.Targets != nil {
		targets := make([][]byte, 0, len(d.Targets))
		for _, t := range d.Targets {
			targets = append(targets, t.Bytes())
		}
		fields["targets"] = targets
	}
	id, err := requestid.HashOfMap(fields)
	if err != nil {
		return nil, err
	}
	return id.SigningMessage(requestid.DomainDelegation), nil
}

// Delegate has issuer sign d.
func Delegate(issuer identity.SigningIdentity, d identity.Delegation) (identity.SignedDelegation, error) {
	if issuer == nil {
		return identity.SignedDelegation{}, identity.ErrNoSigningKey
	}
	if len(d.PubKey) == 0 {
		return identity.SignedDelegation{}, errors.New("delegation pubkey is required")
	}
	msg, err := SigningMessage(d)
	if err != nil {
		return identity.SignedDelegation{}, err
	}
	sig, err := issuer.Sign(msg)
	if err != nil {
		return identity.SignedDelegation{}, err
	}
	out := identity.CloneDelegations([]identity.SignedDelegation{{Delegation: d}})[0]
	out.Signature = sig.Signature
	return out, nil
}

// NewChain builds a chain in which every key delegates to the next one. keys
// must hold at least two identities: keys[0] is the root and the last key is
// the session key.
func NewChain(keys []identity.SigningIdentity, expiration time.Time, targets []principal.Principal) ([]identity.SignedDelegation, error) {
	if len(keys) < 2 {
		return nil, errors.New("a chain needs a root and at least one delegated key")
	}
	if len(keys)-1 > MaxChainLength {
		return nil, fmt.Errorf("chain of %d links exceeds limit %d", len(keys)-1, MaxChainLength)
	}
	chain := make([]identity.SignedDelegation, 0, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		link, err := Delegate(keys[i-1], identity.Delegation{
			PubKey:     keys[i].PublicKey(),
			Expiration: expiration,
			Targets:    targets,
		})
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i-1, err)
		}
		chain = append(chain, link)
	}
	return chain, nil
}

func expirationNanos(t time.Time) (uint64, error) {
	if t.IsZero() {
		return 0, errors.New("delegation expiration is required")
	}
	ns := t.UnixNano()
	if ns < 0 {
		return 0, errors.New("delegation expiration is before the unix epoch")
	}
	return uint64(ns), nil
}
