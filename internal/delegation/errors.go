package delegation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeserialize         = errors.New("delegation chain deserialize failed")
	ErrChainVerification   = errors.New("delegation chain verification failed")
	ErrExpiredDelegation   = errors.New("delegation expired")
	ErrTerminalKeyMismatch = errors.New("terminal key does not match last delegation")
	ErrTargetNotPermitted  = errors.New("canister is not a permitted delegation target")
)

// DeserializeError reports a malformed delegated identity blob.
type DeserializeError struct {
	Reason string
	Err    error
}

func (e *DeserializeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDeserialize, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDeserialize, e.Reason)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

func (e *DeserializeError) Is(target error) bool { return target == ErrDeserialize }

// ChainVerificationError reports the first link whose signature does not
// verify against the preceding key.
type ChainVerificationError struct {
	Index int
	Err   error
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("%s: link %d: %v", ErrChainVerification, e.Index, e.Err)
}

func (e *ChainVerificationError) Unwrap() error { return e.Err }

func (e *ChainVerificationError) Is(target error) bool { return target == ErrChainVerification }

// ExpiredDelegationError reports the first link whose expiration is at or
// before the verification time.
type ExpiredDelegationError struct {
	Index     int
	ExpiredAt time.Time
	CheckedAt time.Time
}

func (e *ExpiredDelegationError) Error() string {
	return fmt.Sprintf("%s: link %d expired at %s (checked at %s)",
		ErrExpiredDelegation, e.Index, e.ExpiredAt.UTC().Format(time.RFC3339Nano), e.CheckedAt.UTC().Format(time.RFC3339Nano))
}

func (e *ExpiredDelegationError) Is(target error) bool { return target == ErrExpiredDelegation }

func deserializeError(reason string, err error) error {
	return &DeserializeError{Reason: reason, Err: err}
}
