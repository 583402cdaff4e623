// Package agent signs canister requests with any SigningIdentity and sends
// them to a boundary node.
package agent

import (
	"errors"
	"fmt"
	"time"

	"icagent/go-identity/internal/principal"
	"icagent/go-identity/internal/requestid"
)

type RequestType string

const (
	RequestQuery     RequestType = "query"
	RequestCall      RequestType = "call"
	RequestReadState RequestType = "read_state"
)

var ErrInvalidRequest = errors.New("invalid request")

// Request is the unsigned content of an envelope.
type Request struct {
	Type          RequestType
	CanisterID    principal.Principal
	MethodName    string
	Arg           []byte
	Sender        principal.Principal
	IngressExpiry time.Time
	Nonce         []byte
	// Paths is only used by read_state requests.
	Paths [][][]byte
}

func (r Request) validate() error {
	switch r.Type {
	case RequestQuery, RequestCall:
		if r.MethodName == "" {
			return fmt.Errorf("%w: method name is required", ErrInvalidRequest)
		}
	case RequestReadState:
		if len(r.Paths) == 0 {
			return fmt.Errorf("%w: read_state needs at least one path", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, r.Type)
	}
	if r.IngressExpiry.IsZero() || r.IngressExpiry.UnixNano() < 0 {
		return fmt.Errorf("%w: ingress expiry is required", ErrInvalidRequest)
	}
	return nil
}

// content returns the request as the field map that is both hashed into the
// request id and CBOR encoded into the envelope.
func (r Request) content() map[string]any {
	fields := map[string]any{
		"request_type":   string(r.Type),
		"sender":         r.Sender.Bytes(),
		"ingress_expiry": uint64(r.IngressExpiry.UnixNano()),
	}
	if r.Type == RequestReadState {
		paths := make([]any, 0, len(r.Paths))
		for _, p := range r.Paths {
			segments := make([][]byte, len(p))
			copy(segments, p)
			paths = append(paths, segments)
		}
		fields["paths"] = paths
		return fields
	}
	fields["canister_id"] = r.CanisterID.Bytes()
	fields["method_name"] = r.MethodName
	arg := r.Arg
	if arg == nil {
		arg = []byte{}
	}
	fields["arg"] = arg
	if len(r.Nonce) > 0 {
		fields["nonce"] = r.Nonce
	}
	return fields
}

// RequestID is the representation independent hash of the request content.
func (r Request) RequestID() (requestid.ID, error) {
	if err := r.validate(); err != nil {
		return requestid.ID{}, err
	}
	return requestid.HashOfMap(r.content())
}
