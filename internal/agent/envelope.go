package agent

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"time"

	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"

	"github.com/ugorji/go/codec"
)

// selfDescribeTag is CBOR tag 55799, which every envelope starts with.
var selfDescribeTag = []byte{0xd9, 0xd9, 0xf7}

var mapType = reflect.TypeOf(map[string]interface{}(nil))

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is a signed request as sent over the wire.
type Envelope struct {
	Content          Request
	SenderPubKey     []byte
	SenderSig        []byte
	SenderDelegation []identity.SignedDelegation
}

// Anonymous reports whether the envelope carries no signature.
func (e *Envelope) Anonymous() bool {
	return len(e.SenderPubKey) == 0 && len(e.SenderSig) == 0
}

// MarshalCBOR encodes the envelope with canonical map ordering.
func (e *Envelope) MarshalCBOR() ([]byte, error) {
	if err := e.Content.validate(); err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"content": e.Content.content(),
	}
	if len(e.SenderPubKey) > 0 {
		out["sender_pubkey"] = e.SenderPubKey
	}
	if len(e.SenderSig) > 0 {
		out["sender_sig"] = e.SenderSig
	}
	if len(e.SenderDelegation) > 0 {
		chain := make([]interface{}, 0, len(e.SenderDelegation))
		for _, link := range e.SenderDelegation {
			d := map[string]interface{}{
				"pubkey":     link.Delegation.PubKey,
				"expiration": uint64(link.Delegation.Expiration.UnixNano()),
			}
			if link.Delegation.Targets != nil {
				targets := make([]interface{}, 0, len(link.Delegation.Targets))
				for _, t := range link.Delegation.Targets {
					targets = append(targets, t.Bytes())
				}
				d["targets"] = targets
			}
			chain = append(chain, map[string]interface{}{
				"delegation": d,
				"signature":  link.Signature,
			})
		}
		out["sender_delegation"] = chain
	}

	var body []byte
	if err := codec.NewEncoderBytes(&body, cborHandle()).Encode(out); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	data := make([]byte, 0, len(selfDescribeTag)+len(body))
	data = append(data, selfDescribeTag...)
	return append(data, body...), nil
}

// DecodeEnvelope parses an envelope produced by MarshalCBOR. The self
// describe tag is optional on input.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	data = bytes.TrimPrefix(data, selfDescribeTag)
	var raw map[string]interface{}
	if err := codec.NewDecoderBytes(data, cborHandle()).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	content, ok := raw["content"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: content is missing", ErrInvalidEnvelope)
	}
	req, err := decodeContent(content)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Content: req}
	if env.SenderPubKey, err = optionalBytes(raw, "sender_pubkey"); err != nil {
		return nil, err
	}
	if env.SenderSig, err = optionalBytes(raw, "sender_sig"); err != nil {
		return nil, err
	}
	if chain, ok := raw["sender_delegation"]; ok {
		if env.SenderDelegation, err = decodeDelegations(chain); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func decodeContent(m map[string]interface{}) (Request, error) {
	var req Request
	kind, _ := m["request_type"].(string)
	req.Type = RequestType(kind)
	sender, err := requiredBytes(m, "sender")
	if err != nil {
		return Request{}, err
	}
	if req.Sender, err = principal.FromBytes(sender); err != nil {
		return Request{}, fmt.Errorf("%w: sender: %v", ErrInvalidEnvelope, err)
	}
	expiry, ok := m["ingress_expiry"].(uint64)
	if !ok || expiry > uint64(1<<63-1) {
		return Request{}, fmt.Errorf("%w: ingress_expiry", ErrInvalidEnvelope)
	}
	req.IngressExpiry = time.Unix(0, int64(expiry)).UTC()

	if req.Type == RequestReadState {
		paths, ok := m["paths"].([]interface{})
		if !ok {
			return Request{}, fmt.Errorf("%w: paths", ErrInvalidEnvelope)
		}
		for _, p := range paths {
			segments, err := bytesList(p)
			if err != nil {
				return Request{}, err
			}
			req.Paths = append(req.Paths, segments)
		}
		return req, req.validate()
	}

	canister, err := requiredBytes(m, "canister_id")
	if err != nil {
		return Request{}, err
	}
	if req.CanisterID, err = principal.FromBytes(canister); err != nil {
		return Request{}, fmt.Errorf("%w: canister_id: %v", ErrInvalidEnvelope, err)
	}
	req.MethodName, _ = m["method_name"].(string)
	if req.Arg, err = requiredBytes(m, "arg"); err != nil {
		return Request{}, err
	}
	if req.Nonce, err = optionalBytes(m, "nonce"); err != nil {
		return Request{}, err
	}
	return req, req.validate()
}

func decodeDelegations(v interface{}) ([]identity.SignedDelegation, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: sender_delegation", ErrInvalidEnvelope)
	}
	out := make([]identity.SignedDelegation, 0, len(list))
	for i, item := range list {
		link, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: sender_delegation[%d]", ErrInvalidEnvelope, i)
		}
		d, ok := link["delegation"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: sender_delegation[%d].delegation", ErrInvalidEnvelope, i)
		}
		pubkey, err := requiredBytes(d, "pubkey")
		if err != nil {
			return nil, err
		}
		expiration, ok := d["expiration"].(uint64)
		if !ok || expiration > uint64(1<<63-1) {
			return nil, fmt.Errorf("%w: sender_delegation[%d].expiration", ErrInvalidEnvelope, i)
		}
		sig, err := requiredBytes(link, "signature")
		if err != nil {
			return nil, err
		}
		sd := identity.SignedDelegation{
			Delegation: identity.Delegation{
				PubKey:     pubkey,
				Expiration: time.Unix(0, int64(expiration)).UTC(),
			},
			Signature: sig,
		}
		if rawTargets, ok := d["targets"]; ok {
			targets, err := bytesList(rawTargets)
			if err != nil {
				return nil, err
			}
			sd.Delegation.Targets = make([]principal.Principal, 0, len(targets))
			for _, t := range targets {
				p, err := principal.FromBytes(t)
				if err != nil {
					return nil, fmt.Errorf("%w: target: %v", ErrInvalidEnvelope, err)
				}
				sd.Delegation.Targets = append(sd.Delegation.Targets, p)
			}
		}
		out = append(out, sd)
	}
	return out, nil
}

func requiredBytes(m map[string]interface{}, key string) ([]byte, error) {
	b, ok := m[key].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a byte string", ErrInvalidEnvelope, key)
	}
	return b, nil
}

func optionalBytes(m map[string]interface{}, key string) ([]byte, error) {
	if _, ok := m[key]; !ok {
		return nil, nil
	}
	return requiredBytes(m, key)
}

func bytesList(v interface{}) ([][]byte, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected an array of byte strings", ErrInvalidEnvelope)
	}
	out := make([][]byte, 0, len(list))
	for _, item := range list {
		b, ok := item.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: expected a byte string", ErrInvalidEnvelope)
		}
		out = append(out, b)
	}
	return out, nil
}

func cborHandle() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	h.MapType = mapType
	return h
}
