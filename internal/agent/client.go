package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"icagent/go-identity/internal/platform/ratelimiter"
	"icagent/go-identity/internal/principal"
	"icagent/go-identity/internal/requestid"

	"github.com/ugorji/go/codec"
)

var ErrNoTransport = errors.New("agent has no transport")

// RejectError is a replica rejection of a query.
type RejectError struct {
	Code    uint64
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("canister rejected the request (code %d): %s", e.Code, e.Message)
}

// Result is delivered to CallAsync callbacks.
type Result struct {
	RequestID requestid.ID
	Err       error
}

// Client signs requests with Signer and sends them through Transport, one
// rate limit bucket per canister.
type Client struct {
	Transport Transport
	Signer    Signer
	Limiter   *ratelimiter.KeyedLimiter
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Query runs a query call and returns the reply argument.
func (c *Client) Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	body, _, err := c.send(ctx, Request{Type: RequestQuery, CanisterID: canister, MethodName: method, Arg: arg}, false)
	if err != nil {
		return nil, err
	}
	return decodeQueryResponse(body)
}

// Call submits an update call and returns its request id once the boundary
// node has accepted it.
func (c *Client) Call(ctx context.Context, canister principal.Principal, method string, arg []byte) (requestid.ID, error) {
	_, id, err := c.send(ctx, Request{Type: RequestCall, CanisterID: canister, MethodName: method, Arg: arg}, false)
	return id, err
}

// ReadState returns the raw CBOR certificate response for paths.
func (c *Client) ReadState(ctx context.Context, canister principal.Principal, paths [][][]byte) ([]byte, error) {
	body, _, err := c.send(ctx, Request{Type: RequestReadState, CanisterID: canister, Paths: paths}, false)
	return body, err
}

// CallAsync submits an update call in the background. done runs exactly
// once, with either the request id or the error. ctx bounds the rate limit
// wait only: once the envelope is signed, cancelling ctx no longer affects
// the request, which is then bounded by the transport timeout.
func (c *Client) CallAsync(ctx context.Context, canister principal.Principal, method string, arg []byte, done func(Result)) {
	var once sync.Once
	deliver := func(r Result) {
		once.Do(func() {
			if done != nil {
				done(r)
			}
		})
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				deliver(Result{Err: fmt.Errorf("call panicked: %v", p)})
			}
		}()
		_, id, err := c.send(ctx, Request{Type: RequestCall, CanisterID: canister, MethodName: method, Arg: arg}, true)
		deliver(Result{RequestID: id, Err: err})
	}()
}

// send waits for the canister's rate limit, signs and posts req. With
// detach set, the transport call ignores cancellation of ctx.
func (c *Client) send(ctx context.Context, req Request, detach bool) ([]byte, requestid.ID, error) {
	if c.Transport == nil {
		return nil, requestid.ID{}, ErrNoTransport
	}
	if err := c.Limiter.Wait(ctx, req.CanisterID.String()); err != nil {
		c.Metrics.recordRequest(req.Type, "rate_limited")
		return nil, requestid.ID{}, err
	}
	signer := c.Signer
	if signer.Metrics == nil {
		signer.Metrics = c.Metrics
	}
	env, id, err := signer.Sign(req)
	if err != nil {
		c.Metrics.recordRequest(req.Type, "sign_error")
		c.logger().Warn("request signing failed",
			"component", "agent",
			"operation", string(req.Type),
			"canister", req.CanisterID.String(),
			"error", err.Error(),
		)
		return nil, requestid.ID{}, err
	}
	body, err := env.MarshalCBOR()
	if err != nil {
		c.Metrics.recordRequest(req.Type, "encode_error")
		return nil, id, err
	}
	sendCtx := ctx
	if detach {
		sendCtx = context.WithoutCancel(ctx)
	}
	resp, err := c.Transport.Send(sendCtx, req.Type, req.CanisterID, body)
	if err != nil {
		c.Metrics.recordRequest(req.Type, "transport_error")
		c.logger().Warn("request failed",
			"component", "agent",
			"operation", string(req.Type),
			"canister", req.CanisterID.String(),
			"sender", env.Content.Sender.String(),
			"error", err.Error(),
		)
		return nil, id, err
	}
	c.Metrics.recordRequest(req.Type, "ok")
	c.logger().Debug("request sent",
		"component", "agent",
		"operation", string(req.Type),
		"canister", req.CanisterID.String(),
		"sender", env.Content.Sender.String(),
		"request_id", fmt.Sprintf("%x", id[:]),
	)
	return resp, id, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeQueryResponse(body []byte) ([]byte, error) {
	var resp map[string]interface{}
	if err := codec.NewDecoderBytes(bytes.TrimPrefix(body, selfDescribeTag), cborHandle()).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	switch resp["status"] {
	case "replied":
		reply, ok := resp["reply"].(map[string]interface{})
		if !ok {
			return nil, errors.New("query reply is missing")
		}
		arg, ok := reply["arg"].([]byte)
		if !ok {
			return nil, errors.New("query reply arg is missing")
		}
		return arg, nil
	case "rejected":
		code, _ := resp["reject_code"].(uint64)
		msg, _ := resp["reject_message"].(string)
		return nil, &RejectError{Code: code, Message: msg}
	default:
		return nil, fmt.Errorf("unknown query status %v", resp["status"])
	}
}
