package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"icagent/go-identity/internal/agent"
	"icagent/go-identity/internal/config"
	"icagent/go-identity/internal/delegation"
	"icagent/go-identity/internal/identity"
	"icagent/go-identity/internal/keystore"
	"icagent/go-identity/internal/platform/ratelimiter"
	"icagent/go-identity/internal/principal"

	"github.com/prometheus/client_golang/prometheus"
)

type cliRuntime struct {
	cfg               config.Config
	logger            *slog.Logger
	delegationMetrics *delegation.Metrics
	agentMetrics      *agent.Metrics
}

func (e *cliEnv) newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	configPath := fs.String("config", "", "config file path (optional)")
	e.metricsOut = fs.String("metrics-out", "", "write prometheus counters to this file on exit")
	return fs, configPath
}

func (e *cliEnv) loadRuntime(configPath string) (*cliRuntime, int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, e.fail(exitInvalidInput, "config: %v", err)
	}
	e.registry = prometheus.NewRegistry()
	return &cliRuntime{
		cfg:               cfg,
		logger:            cfg.Log.NewLogger(e.stderr),
		delegationMetrics: delegation.NewMetrics(e.registry),
		agentMetrics:      agent.NewMetrics(e.registry),
	}, exitOK
}

func (r *cliRuntime) verifier() delegation.Verifier {
	return delegation.Verifier{Metrics: r.delegationMetrics, Logger: r.logger}
}

func runKeygen(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("keygen")
	mnemonic := fs.String("mnemonic", "", "derive the key from a BIP-39 mnemonic")
	passphrase := fs.String("passphrase", "", "mnemonic passphrase")
	newMnemonic := fs.Bool("new-mnemonic", false, "generate a mnemonic and derive the key from it")
	out := fs.String("out", "", "write the secret JWK to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	rt, code := env.loadRuntime(*configPath)
	if code != exitOK {
		return code
	}

	words := strings.TrimSpace(*mnemonic)
	if *newMnemonic {
		generated, err := identity.NewMnemonic()
		if err != nil {
			return env.fail(exitInvalidInput, "generate mnemonic: %v", err)
		}
		words = generated
	}
	var (
		id  *identity.Secp256k1Identity
		err error
	)
	if words != "" {
		id, err = identity.Secp256k1IdentityFromMnemonic(words, *passphrase)
	} else {
		id, err = identity.GenerateSecp256k1Identity()
	}
	if err != nil {
		return env.fail(exitInvalidInput, "keygen: %v", err)
	}
	secret, err := id.JWK().MarshalJSON()
	if err != nil {
		return env.fail(exitInvalidInput, "encode jwk: %v", err)
	}
	rt.logger.Info("key generated", "component", "cli", "operation", "keygen", "principal", id.Principal().String())

	if *out == "" {
		if *newMnemonic {
			fmt.Fprintf(env.stderr, "mnemonic: %s\n", words)
		}
		if _, err := fmt.Fprintln(env.stdout, string(secret)); err != nil {
			return exitInvalidInput
		}
		return exitOK
	}
	if err := os.WriteFile(*out, secret, 0o600); err != nil {
		return env.fail(exitStorageFailed, "write %s: %v", *out, err)
	}
	result := map[string]any{"principal": id.Principal().String(), "jwk_file": *out}
	if *newMnemonic {
		result["mnemonic"] = words
	}
	return env.printJSON(result)
}

func runPrincipal(env *cliEnv, args []string) int {
	fs, _ := env.newFlagSet("principal")
	jwkPath := fs.String("jwk", "", "JWK file, - for stdin")
	text := fs.String("text", "", "principal text to validate")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}

	var p principal.Principal
	switch {
	case *jwkPath != "":
		jwk, err := env.readJWK(*jwkPath)
		if err != nil {
			return env.fail(exitCodeFor(err), "%v", err)
		}
		der, err := jwk.PublicKeyDER()
		if err != nil {
			return env.fail(exitInvalidInput, "%v", err)
		}
		p = principal.SelfAuthenticating(der)
	case *text != "":
		parsed, err := principal.FromText(*text)
		if err != nil {
			return env.fail(exitInvalidInput, "%v", err)
		}
		p = parsed
	default:
		return env.fail(exitInvalidInput, "--jwk or --text is required")
	}
	return env.printJSON(map[string]any{
		"principal":           p.String(),
		"bytes":               hex.EncodeToString(p.Bytes()),
		"self_authenticating": p.IsSelfAuthenticating(),
		"anonymous":           p.IsAnonymous(),
	})
}

func runSign(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("sign")
	identityPath := fs.String("jwk", "", "secret JWK or delegated identity file")
	message := fs.String("message", "", "message text")
	in := fs.String("in", "", "message file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	rt, code := env.loadRuntime(*configPath)
	if code != exitOK {
		return code
	}
	id, err := env.loadSigner(rt, *identityPath)
	if err != nil {
		return env.fail(exitCodeFor(err), "%v", err)
	}
	msg, err := env.messageInput(*message, *in)
	if err != nil {
		return env.fail(exitInvalidInput, "%v", err)
	}
	sig, err := id.Sign(msg)
	if err != nil {
		return env.fail(exitCodeFor(err), "sign: %v", err)
	}
	return env.printJSON(map[string]any{
		"principal":   id.Principal().String(),
		"public_key":  hex.EncodeToString(sig.PublicKey),
		"signature":   hex.EncodeToString(sig.Signature),
		"delegations": len(sig.Delegations),
	})
}

func runVerify(env *cliEnv, args []string) int {
	fs, _ := env.newFlagSet("verify")
	pubkey := fs.String("pubkey", "", "DER public key, hex")
	sigHex := fs.String("sig", "", "signature, hex")
	message := fs.String("message", "", "message text")
	in := fs.String("in", "", "message file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	der, err := hex.DecodeString(strings.TrimSpace(*pubkey))
	if err != nil || len(der) == 0 {
		return env.fail(exitInvalidInput, "--pubkey must be non-empty hex")
	}
	sig, err := hex.DecodeString(strings.TrimSpace(*sigHex))
	if err != nil || len(sig) == 0 {
		return env.fail(exitInvalidInput, "--sig must be non-empty hex")
	}
	msg, err := env.messageInput(*message, *in)
	if err != nil {
		return env.fail(exitInvalidInput, "%v", err)
	}
	if err := identity.VerifySignature(der, msg, sig); err != nil {
		return env.fail(exitCodeFor(err), "%v", err)
	}
	return env.printJSON(map[string]any{
		"valid":     true,
		"principal": principal.SelfAuthenticating(der).String(),
	})
}

type targetList []string

func (t *targetList) String() string { return strings.Join(*t, ",") }

func (t *targetList) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func runDelegate(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("delegate")
	fromPath := fs.String("from-jwk", "", "secret JWK of the delegating key")
	toPath := fs.String("to-jwk", "", "secret JWK of the session key")
	ttl := fs.Duration("ttl", time.Hour, "delegation lifetime")
	out := fs.String("out", "", "write the delegated identity to this file instead of stdout")
	var targets targetList
	fs.Var(&targets, "target", "restrict the delegation to this canister (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	rt, code := env.loadRuntime(*configPath)
	if code != exitOK {
		return code
	}
	if *ttl <= 0 {
		return env.fail(exitInvalidInput, "--ttl must be positive")
	}
	root, err := env.readSecpIdentity(*fromPath)
	if err != nil {
		return env.fail(exitCodeFor(err), "from-jwk: %v", err)
	}
	session, err := env.readSecpIdentity(*toPath)
	if err != nil {
		return env.fail(exitCodeFor(err), "to-jwk: %v", err)
	}
	var restricted []principal.Principal
	for _, text := range targets {
		p, err := principal.FromText(text)
		if err != nil {
			return env.fail(exitInvalidInput, "target %q: %v", text, err)
		}
		restricted = append(restricted, p)
	}

	link, err := delegation.Delegate(root, identity.Delegation{
		PubKey:     session.PublicKey(),
		Expiration: time.Now().Add(*ttl).UTC(),
		Targets:    restricted,
	})
	if err != nil {
		return env.fail(exitInvalidInput, "delegate: %v", err)
	}
	data, err := delegation.EncodeWire(root.PublicKey(), []identity.SignedDelegation{link}, session.JWK())
	if err != nil {
		return env.fail(exitInvalidInput, "encode: %v", err)
	}
	rt.logger.Info("delegation issued",
		"component", "cli",
		"operation", "delegate",
		"root_principal", root.Principal().String(),
		"principal", session.Principal().String(),
		"targets", len(restricted),
	)
	return env.writeOutput(*out, data)
}

func runInspect(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("inspect")
	in := fs.String("in", "-", "delegated identity file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	rt, code := env.loadRuntime(*configPath)
	if code != exitOK {
		return code
	}
	data, err := env.readInput(*in)
	if err != nil {
		return env.fail(exitInvalidInput, "%v", err)
	}
	id, err := rt.verifier().FromBytes(data)
	if err != nil {
		return env.fail(exitCodeFor(err), "%v", err)
	}
	var targets any = "unrestricted"
	if list := id.Targets(); list != nil {
		texts := make([]string, 0, len(list))
		for _, p := range list {
			texts = append(texts, p.String())
		}
		targets = texts
	}
	return env.printJSON(map[string]any{
		"principal":        id.Principal().String(),
		"sender_principal": id.SenderPrincipal().String(),
		"expiration":       id.Expiration().Format(time.RFC3339Nano),
		"links":            len(id.Delegations()),
		"targets":          targets,
	})
}

func runStore(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("store")
	name := fs.String("name", "", "entry name")
	in := fs.String("in", "-", "file to store, - for stdin")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	store, code := env.openStore(*configPath)
	if code != exitOK {
		return code
	}
	data, err := env.readInput(*in)
	if err != nil {
		return env.fail(exitInvalidInput, "%v", err)
	}
	if err := store.Save(*name, data); err != nil {
		return env.fail(exitCodeFor(err), "store: %v", err)
	}
	return env.printJSON(map[string]any{"stored": *name})
}

func runLoad(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("load")
	name := fs.String("name", "", "entry name")
	out := fs.String("out", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	store, code := env.openStore(*configPath)
	if code != exitOK {
		return code
	}
	data, err := store.Load(*name)
	if err != nil {
		return env.fail(exitCodeFor(err), "load: %v", err)
	}
	return env.writeOutput(*out, data)
}

func runList(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("list")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	store, code := env.openStore(*configPath)
	if code != exitOK {
		return code
	}
	names, err := store.List()
	if err != nil {
		return env.fail(exitStorageFailed, "list: %v", err)
	}
	if names == nil {
		names = []string{}
	}
	return env.printJSON(map[string]any{"entries": names})
}

func runEnvelope(env *cliEnv, args []string) int {
	fs, configPath := env.newFlagSet("envelope")
	identityPath := fs.String("identity", "", "secret JWK or delegated identity file; empty for anonymous")
	canisterText := fs.String("canister", "", "target canister principal")
	method := fs.String("method", "", "method name")
	kind := fs.String("type", "query", "query or call")
	argHex := fs.String("arg", "", "candid argument, hex")
	send := fs.Bool("send", false, "send the envelope to the configured agent url")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	rt, code := env.loadRuntime(*configPath)
	if code != exitOK {
		return code
	}

	var id identity.SigningIdentity = identity.AnonymousIdentity{}
	if *identityPath != "" {
		loaded, err := env.loadSigner(rt, *identityPath)
		if err != nil {
			return env.fail(exitCodeFor(err), "%v", err)
		}
		id = loaded
	}
	canister, err := principal.FromText(*canisterText)
	if err != nil {
		return env.fail(exitInvalidInput, "canister: %v", err)
	}
	arg, err := hex.DecodeString(*argHex)
	if err != nil {
		return env.fail(exitInvalidInput, "arg: %v", err)
	}
	reqType := agent.RequestType(*kind)
	if reqType != agent.RequestQuery && reqType != agent.RequestCall {
		return env.fail(exitInvalidInput, "--type must be query or call")
	}
	signer := agent.Signer{Identity: id, IngressTTL: rt.cfg.Agent.IngressExpiry, Metrics: rt.agentMetrics}

	if !*send {
		envelope, reqID, err := signer.Sign(agent.Request{Type: reqType, CanisterID: canister, MethodName: *method, Arg: arg})
		if err != nil {
			return env.fail(exitCodeFor(err), "sign: %v", err)
		}
		body, err := envelope.MarshalCBOR()
		if err != nil {
			return env.fail(exitInvalidInput, "encode: %v", err)
		}
		return env.printJSON(map[string]any{
			"request_id": hex.EncodeToString(reqID[:]),
			"sender":     envelope.Content.Sender.String(),
			"envelope":   hex.EncodeToString(body),
		})
	}

	transport, err := agent.NewHTTPTransport(rt.cfg.Agent.URL, rt.cfg.Agent.Timeout)
	if err != nil {
		return env.fail(exitInvalidInput, "%v", err)
	}
	client := &agent.Client{
		Transport: transport,
		Signer:    signer,
		Limiter:   ratelimiter.New(rt.cfg.Agent.RateLimit.RPS, rt.cfg.Agent.RateLimit.Burst, 0),
		Metrics:   rt.agentMetrics,
		Logger:    rt.logger,
	}
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Agent.Timeout)
	defer cancel()
	if reqType == agent.RequestQuery {
		reply, err := client.Query(ctx, canister, *method, arg)
		if err != nil {
			return env.fail(exitCodeFor(err), "query: %v", err)
		}
		return env.printJSON(map[string]any{"reply": hex.EncodeToString(reply)})
	}
	reqID, err := client.Call(ctx, canister, *method, arg)
	if err != nil {
		return env.fail(exitCodeFor(err), "call: %v", err)
	}
	return env.printJSON(map[string]any{"request_id": hex.EncodeToString(reqID[:]), "status": "accepted"})
}

func (e *cliEnv) openStore(configPath string) (*keystore.Store, int) {
	rt, code := e.loadRuntime(configPath)
	if code != exitOK {
		return nil, code
	}
	store, err := keystore.New(rt.cfg.Keystore.Dir, rt.cfg.Keystore.Passphrase)
	if err != nil {
		return nil, e.fail(exitStorageFailed, "keystore: %v (set %s)", err, config.EnvKeystorePassphrase)
	}
	return store, exitOK
}

func (e *cliEnv) readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("input path is required")
	}
	if path == "-" {
		return io.ReadAll(e.stdin)
	}
	return os.ReadFile(path)
}

func (e *cliEnv) writeOutput(path string, data []byte) int {
	if path == "" {
		if _, err := e.stdout.Write(append(bytes.TrimRight(data, "\n"), '\n')); err != nil {
			return exitInvalidInput
		}
		return exitOK
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return e.fail(exitStorageFailed, "write %s: %v", path, err)
	}
	return exitOK
}

func (e *cliEnv) messageInput(message, path string) ([]byte, error) {
	if path != "" {
		return e.readInput(path)
	}
	if message == "" {
		return nil, errors.New("--message or --in is required")
	}
	return []byte(message), nil
}

func (e *cliEnv) readJWK(path string) (*identity.JwkEcKey, error) {
	data, err := e.readInput(path)
	if err != nil {
		return nil, err
	}
	return identity.ParseJwk(string(data))
}

func (e *cliEnv) readSecpIdentity(path string) (*identity.Secp256k1Identity, error) {
	jwk, err := e.readJWK(path)
	if err != nil {
		return nil, err
	}
	return identity.GetSecp256k1Identity(jwk)
}

// loadSigner accepts either a secret JWK or a delegated identity blob.
func (e *cliEnv) loadSigner(rt *cliRuntime, path string) (identity.SigningIdentity, error) {
	data, err := e.readInput(path)
	if err != nil {
		return nil, err
	}
	if bytes.Contains(data, []byte(`"delegation_chain"`)) {
		return rt.verifier().FromBytes(data)
	}
	jwk, err := identity.ParseJwk(string(data))
	if err != nil {
		return nil, err
	}
	return identity.GetSecp256k1Identity(jwk)
}

func exitCodeFor(err error) int {
	var httpErr *agent.HTTPError
	switch {
	case errors.Is(err, delegation.ErrExpiredDelegation), errors.Is(err, agent.ErrIdentityExpired):
		return exitExpired
	case errors.Is(err, delegation.ErrChainVerification),
		errors.Is(err, delegation.ErrTargetNotPermitted),
		errors.Is(err, identity.ErrBadSignature):
		return exitTrustFailed
	case errors.Is(err, keystore.ErrNotFound),
		errors.Is(err, keystore.ErrAuthFailed),
		errors.Is(err, keystore.ErrInvalidName),
		errors.Is(err, keystore.ErrInvalid),
		errors.Is(err, keystore.ErrNotSealed):
		return exitStorageFailed
	case errors.As(err, &httpErr), errors.Is(err, context.DeadlineExceeded):
		return exitNetworkFailed
	default:
		return exitInvalidInput
	}
}
