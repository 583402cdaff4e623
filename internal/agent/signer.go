package agent

import (
	"errors"
	"fmt"
	"time"

	"icagent/go-identity/internal/delegation"
	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"
	"icagent/go-identity/internal/requestid"

	"github.com/google/uuid"
)

const DefaultIngressTTL = 3 * time.Minute

var ErrIdentityExpired = errors.New("identity delegation has expired")

type targetRestricted interface {
	CheckTarget(canister principal.Principal) error
}

type expiring interface {
	Expired(now time.Time) bool
}

// Signer turns requests into signed envelopes for one identity.
type Signer struct {
	Identity   identity.SigningIdentity
	Now        func() time.Time
	IngressTTL time.Duration
	Metrics    *Metrics
}

// Sign fills in sender, ingress expiry and, for calls, a nonce, then signs
// the request id. Anonymous identities produce unsigned envelopes.
func (s Signer) Sign(req Request) (*Envelope, requestid.ID, error) {
	if s.Identity == nil {
		return nil, requestid.ID{}, identity.ErrNoSigningKey
	}
	now := s.now()
	if r, ok := s.Identity.(targetRestricted); ok && req.Type != RequestReadState {
		if err := r.CheckTarget(req.CanisterID); err != nil {
			return nil, requestid.ID{}, err
		}
	}
	if e, ok := s.Identity.(expiring); ok && e.Expired(now) {
		return nil, requestid.ID{}, ErrIdentityExpired
	}

	pub := s.Identity.PublicKey()
	if len(pub) == 0 {
		req.Sender = principal.Anonymous
	} else {
		req.Sender = principal.SelfAuthenticating(pub)
	}
	if req.IngressExpiry.IsZero() {
		req.IngressExpiry = now.Add(s.ingressTTL())
	}
	if req.Type == RequestCall && len(req.Nonce) == 0 {
		nonce := uuid.New()
		req.Nonce = nonce[:]
	}

	id, err := req.RequestID()
	if err != nil {
		return nil, requestid.ID{}, err
	}
	env := &Envelope{Content: req}
	if len(pub) == 0 {
		return env, id, nil
	}
	sig, err := s.Identity.Sign(id.SigningMessage(requestid.DomainRequest))
	if err != nil {
		return nil, requestid.ID{}, fmt.Errorf("sign request: %w", err)
	}
	s.Metrics.recordSignature(identityKind(s.Identity))
	env.SenderPubKey = sig.PublicKey
	env.SenderSig = sig.Signature
	env.SenderDelegation = sig.Delegations
	return env, id, nil
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Signer) ingressTTL() time.Duration {
	if s.IngressTTL > 0 {
		return s.IngressTTL
	}
	return DefaultIngressTTL
}

func identityKind(id identity.SigningIdentity) string {
	switch id.(type) {
	case *identity.Secp256k1Identity:
		return "secp256k1"
	case *identity.Ed25519Identity:
		return "ed25519"
	case *delegation.DelegatedIdentity:
		return "delegated"
	case identity.AnonymousIdentity, *identity.AnonymousIdentity:
		return "anonymous"
	default:
		return "other"
	}
}
