package delegation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/principal"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bytes is a byte string in the authentication service's JSON form: an array
// of numbers. Base64 strings are accepted on input.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+4*len(b))
	out = append(out, '[')
	for i, n := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(n), 10)
	}
	return append(out, ']'), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty byte value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 byte string: %w", err)
		}
		*b = raw
		return nil
	case '[':
		var nums []int
		if err := json.Unmarshal(data, &nums); err != nil {
			return err
		}
		raw := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > math.MaxUint8 {
				return fmt.Errorf("byte value %d out of range at %d", n, i)
			}
			raw[i] = byte(n)
		}
		*b = raw
		return nil
	default:
		return errors.New("byte value must be an array or a base64 string")
	}
}

type wireIdentity struct {
	FromKey         Bytes                  `json:"from_key"`
	ToSecret        jsoniter.RawMessage    `json:"to_secret"`
	DelegationChain []wireSignedDelegation `json:"delegation_chain"`
}

type wireSignedDelegation struct {
	Delegation wireDelegation `json:"delegation"`
	Signature  Bytes          `json:"signature"`
}

type wireDelegation struct {
	Pubkey     Bytes    `json:"pubkey"`
	Expiration uint64   `json:"expiration"`
	Targets    *[]Bytes `json:"targets,omitempty"`
}

// decoded is the Deserialized state: fields are present and well formed but
// nothing has been verified yet.
type decoded struct {
	rootKey  []byte
	chain    []identity.SignedDelegation
	terminal *identity.JwkEcKey
}

func decodeWire(data []byte) (decoded, error) {
	if len(data) == 0 {
		return decoded{}, deserializeError("empty input", nil)
	}
	var w wireIdentity
	if err := json.Unmarshal(data, &w); err != nil {
		return decoded{}, deserializeError("invalid encoding", err)
	}
	if len(w.FromKey) == 0 {
		return decoded{}, deserializeError("from_key is required", nil)
	}
	if _, err := identity.ParsePublicKeyDER(w.FromKey); err != nil {
		return decoded{}, deserializeError("from_key", err)
	}
	if len(w.ToSecret) == 0 || string(w.ToSecret) == "null" {
		return decoded{}, deserializeError("to_secret is required", nil)
	}
	terminal, err := identity.ParseJwk(string(w.ToSecret))
	if err != nil {
		return decoded{}, deserializeError("to_secret", err)
	}
	if terminal.PublicOnly() {
		return decoded{}, deserializeError("to_secret", identity.ErrPublicOnlyKey)
	}
	chain, err := decodeChain(w.DelegationChain)
	if err != nil {
		return decoded{}, err
	}
	return decoded{rootKey: w.FromKey, chain: chain, terminal: terminal}, nil
}

func decodeChain(in []wireSignedDelegation) ([]identity.SignedDelegation, error) {
	if len(in) == 0 {
		return nil, deserializeError("delegation_chain is empty", nil)
	}
	if len(in) > MaxChainLength {
		return nil, deserializeError(fmt.Sprintf("delegation_chain has %d links, limit is %d", len(in), MaxChainLength), nil)
	}
	out := make([]identity.SignedDelegation, 0, len(in))
	for i, link := range in {
		if len(link.Delegation.Pubkey) == 0 {
			return nil, deserializeError(fmt.Sprintf("link %d: pubkey is required", i), nil)
		}
		if len(link.Signature) == 0 {
			return nil, deserializeError(fmt.Sprintf("link %d: signature is required", i), nil)
		}
		if link.Delegation.Expiration > math.MaxInt64 {
			return nil, deserializeError(fmt.Sprintf("link %d: expiration out of range", i), nil)
		}
		var targets []principal.Principal
		if link.Delegation.Targets != nil {
			targets = make([]principal.Principal, 0, len(*link.Delegation.Targets))
			for j, raw := range *link.Delegation.Targets {
				p, err := principal.FromBytes(raw)
				if err != nil {
					return nil, deserializeError(fmt.Sprintf("link %d: target %d", i, j), err)
				}
				targets = append(targets, p)
			}
		}
		out = append(out, identity.SignedDelegation{
			Delegation: identity.Delegation{
				PubKey:     append([]byte(nil), link.Delegation.Pubkey...),
				Expiration: time.Unix(0, int64(link.Delegation.Expiration)).UTC(),
				Targets:    targets,
			},
			Signature: append([]byte(nil), link.Signature...),
		})
	}
	return out, nil
}

// EncodeWire serializes a delegated identity in the format read by
// DelegatedIdentityFromBytes. terminal must carry its private scalar.
func EncodeWire(rootKey []byte, chain []identity.SignedDelegation, terminal *identity.JwkEcKey) ([]byte, error) {
	if terminal == nil || terminal.PublicOnly() {
		return nil, identity.ErrPublicOnlyKey
	}
	secret, err := terminal.MarshalJSON()
	if err != nil {
		return nil, err
	}
	w := wireIdentity{
		FromKey:         Bytes(rootKey),
		ToSecret:        secret,
		DelegationChain: make([]wireSignedDelegation, 0, len(chain)),
	}
	for _, link := range chain {
		expiration, err := expirationNanos(link.Delegation.Expiration)
		if err != nil {
			return nil, err
		}
		wd := wireDelegation{
			Pubkey:     Bytes(link.Delegation.PubKey),
			Expiration: expiration,
		}
		if link.Delegation.Targets != nil {
			targets := make([]Bytes, 0, len(link.Delegation.Targets))
			for _, t := range link.Delegation.Targets {
				targets = append(targets, t.Bytes())
			}
			wd.Targets = &targets
		}
		w.DelegationChain = append(w.DelegationChain, wireSignedDelegation{
			Delegation: wd,
			Signature:  Bytes(link.Signature),
		})
	}
	return json.Marshal(w)
}
