package delegation

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"

	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"
)

// CanisterSignatureVerifier checks signatures made by canister signature
// keys, which require certified state and the network root key.
type CanisterSignatureVerifier interface {
	VerifyCanisterSignature(publicKeyDER, message, signature []byte) error
}

// Verifier turns delegation chains into DelegatedIdentity values. The zero
// value verifies against the wall clock and rejects canister signature roots.
type Verifier struct {
	Now                func() time.Time
	CanisterSignatures CanisterSignatureVerifier
	Metrics            *Metrics
	Logger             *slog.Logger
}

// DelegatedIdentityFromBytes verifies a serialized delegated identity with
// the default Verifier.
func DelegatedIdentityFromBytes(data []byte) (*DelegatedIdentity, error) {
	return Verifier{}.FromBytes(data)
}

func (v Verifier) FromBytes(data []byte) (*DelegatedIdentity, error) {
	d, err := decodeWire(data)
	if err != nil {
		v.reject(resultDeserialize, err)
		return nil, err
	}
	terminal, err := identity.GetSecp256k1Identity(d.terminal)
	if err != nil {
		err = deserializeError("to_secret", err)
		v.reject(resultDeserialize, err)
		return nil, err
	}
	return v.compose(d.rootKey, d.chain, terminal)
}

// Compose verifies an already decoded chain and binds terminal to it.
func (v Verifier) Compose(rootKey []byte, chain []identity.SignedDelegation, terminal identity.SigningIdentity) (*DelegatedIdentity, error) {
	if _, err := identity.ParsePublicKeyDER(rootKey); err != nil {
		err = deserializeError("root key", err)
		v.reject(resultDeserialize, err)
		return nil, err
	}
	if len(chain) == 0 || len(chain) > MaxChainLength {
		err := deserializeError("delegation chain length out of range", nil)
		v.reject(resultDeserialize, err)
		return nil, err
	}
	if terminal == nil || len(terminal.PublicKey()) == 0 {
		err := deserializeError("terminal identity has no key", identity.ErrNoSigningKey)
		v.reject(resultDeserialize, err)
		return nil, err
	}
	return v.compose(append([]byte(nil), rootKey...), identity.CloneDelegations(chain), terminal)
}

// ChainGrant is what a verified chain authorizes.
type ChainGrant struct {
	SessionKey []byte
	// Targets is nil when the chain is unrestricted.
	Targets    []principal.Principal
	Expiration time.Time
}

// VerifyChain checks chain against rootKey without a session secret, as a
// receiver of signed requests does.
func (v Verifier) VerifyChain(rootKey []byte, chain []identity.SignedDelegation) (ChainGrant, error) {
	if _, err := identity.ParsePublicKeyDER(rootKey); err != nil {
		err = deserializeError("root key", err)
		v.reject(resultDeserialize, err)
		return ChainGrant{}, err
	}
	if len(chain) == 0 || len(chain) > MaxChainLength {
		err := deserializeError("delegation chain length out of range", nil)
		v.reject(resultDeserialize, err)
		return ChainGrant{}, err
	}
	targets, err := v.verifyChain(rootKey, chain, v.now())
	if err != nil {
		v.reject(resultFor(err), err)
		return ChainGrant{}, err
	}
	return ChainGrant{
		SessionKey: append([]byte(nil), chain[len(chain)-1].Delegation.PubKey...),
		Targets:    targets,
		Expiration: earliestExpiration(chain),
	}, nil
}

func (v Verifier) compose(rootKey []byte, chain []identity.SignedDelegation, terminal identity.SigningIdentity) (*DelegatedIdentity, error) {
	now := v.now()
	targets, err := v.verifyChain(rootKey, chain, now)
	if err != nil {
		v.reject(resultFor(err), err)
		return nil, err
	}
	last := len(chain) - 1
	if !bytes.Equal(chain[last].Delegation.PubKey, terminal.PublicKey()) {
		err := &ChainVerificationError{Index: last, Err: ErrTerminalKeyMismatch}
		v.reject(resultChain, err)
		return nil, err
	}

	id := &DelegatedIdentity{
		rootKey:    rootKey,
		chain:      chain,
		terminal:   terminal,
		targets:    targets,
		expiration: earliestExpiration(chain),
	}
	v.Metrics.record(resultComposed)
	v.logger().Debug("delegated identity composed",
		"component", "delegation",
		"operation", "compose",
		"principal", id.Principal().String(),
		"links", len(chain),
	)
	return id, nil
}

// verifyChain checks links strictly in order. Each link is verified against
// the key delegated by the previous link; the first failure ends the walk.
func (v Verifier) verifyChain(rootKey []byte, chain []identity.SignedDelegation, now time.Time) ([]principal.Principal, error) {
	var targets []principal.Principal
	signer := rootKey
	for i, link := range chain {
		msg, err := SigningMessage(link.Delegation)
		if err != nil {
			return nil, &ChainVerificationError{Index: i, Err: err}
		}
		if err := v.verifyLinkSignature(signer, msg, link.Signature); err != nil {
			return nil, &ChainVerificationError{Index: i, Err: err}
		}
		if !link.Delegation.Expiration.After(now) {
			return nil, &ExpiredDelegationError{Index: i, ExpiredAt: link.Delegation.Expiration, CheckedAt: now}
		}
		if link.Delegation.Targets != nil {
			targets = intersectTargets(targets, link.Delegation.Targets)
		}
		signer = link.Delegation.PubKey
	}
	return targets, nil
}

func (v Verifier) verifyLinkSignature(signerKey, msg, sig []byte) error {
	info, err := identity.ParsePublicKeyDER(signerKey)
	if err != nil {
		return err
	}
	if info.Algorithm == identity.KeyAlgorithmCanisterSig && v.CanisterSignatures != nil {
		return v.CanisterSignatures.VerifyCanisterSignature(signerKey, msg, sig)
	}
	return identity.VerifySignature(signerKey, msg, sig)
}

// intersectTargets narrows the allowed set. A nil current set means no link
// has restricted targets yet.
func intersectTargets(current, next []principal.Principal) []principal.Principal {
	if current == nil {
		return append([]principal.Principal{}, next...)
	}
	allowed := make(map[principal.Principal]struct{}, len(next))
	for _, p := range next {
		allowed[p] = struct{}{}
	}
	out := make([]principal.Principal, 0, len(current))
	for _, p := range current {
		if _, ok := allowed[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func earliestExpiration(chain []identity.SignedDelegation) time.Time {
	var earliest time.Time
	for _, link := range chain {
		if earliest.IsZero() || link.Delegation.Expiration.Before(earliest) {
			earliest = link.Delegation.Expiration
		}
	}
	return earliest
}

func resultFor(err error) string {
	if errors.Is(err, ErrExpiredDelegation) {
		return resultExpired
	}
	return resultChain
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

func (v Verifier) reject(result string, err error) {
	v.Metrics.record(result)
	attrs := []any{
		"component", "delegation",
		"operation", "verify",
		"result", result,
		"error", err.Error(),
	}
	var chainErr *ChainVerificationError
	var expiredErr *ExpiredDelegationError
	switch {
	case errors.As(err, &chainErr):
		attrs = append(attrs, "link_index", chainErr.Index)
	case errors.As(err, &expiredErr):
		attrs = append(attrs, "link_index", expiredErr.Index, "expired_at", expiredErr.ExpiredAt)
	}
	v.logger().Warn("delegated identity rejected", attrs...)
}

func (v Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
