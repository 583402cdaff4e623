package agent

import (
	"errors"
	"fmt"
	"time"

	"icagent/go-identity/internal/delegation"
	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"
	"icagent/go-identity/internal/requestid"
)

var (
	ErrSenderMismatch  = errors.New("sender does not match sender public key")
	ErrIngressExpired  = errors.New("ingress expiry has passed")
	ErrUnsignedRequest = errors.New("request from a non-anonymous sender is unsigned")
)

// EnvelopeVerifier checks envelopes the way a replica does: sender binding,
// delegation chain, target restrictions and the request signature.
type EnvelopeVerifier struct {
	Delegations delegation.Verifier
	Now         func() time.Time
}

func (v EnvelopeVerifier) Verify(env *Envelope) (requestid.ID, error) {
	if env == nil {
		return requestid.ID{}, ErrInvalidEnvelope
	}
	id, err := env.Content.RequestID()
	if err != nil {
		return requestid.ID{}, err
	}
	if !env.Content.IngressExpiry.After(v.now()) {
		return id, ErrIngressExpired
	}
	if env.Anonymous() {
		if !env.Content.Sender.IsAnonymous() {
			return id, ErrUnsignedRequest
		}
		return id, nil
	}
	if !env.Content.Sender.Equal(principal.SelfAuthenticating(env.SenderPubKey)) {
		return id, ErrSenderMismatch
	}

	signingKey := env.SenderPubKey
	if len(env.SenderDelegation) > 0 {
		verifier := v.Delegations
		if verifier.Now == nil {
			verifier.Now = v.Now
		}
		grant, err := verifier.VerifyChain(env.SenderPubKey, env.SenderDelegation)
		if err != nil {
			return id, err
		}
		if grant.Targets != nil && env.Content.Type != RequestReadState && !containsPrincipal(grant.Targets, env.Content.CanisterID) {
			return id, fmt.Errorf("%w: %s", delegation.ErrTargetNotPermitted, env.Content.CanisterID)
		}
		signingKey = grant.SessionKey
	}
	if err := identity.VerifySignature(signingKey, id.SigningMessage(requestid.DomainRequest), env.SenderSig); err != nil {
		return id, err
	}
	return id, nil
}

func (v EnvelopeVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func containsPrincipal(list []principal.Principal, p principal.Principal) bool {
	for _, item := range list {
		if item.Equal(p) {
			return true
		}
	}
	return false
}
