package main

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	exitOK            = 0
	exitInvalidInput  = 10
	exitNetworkFailed = 20
	exitExpired       = 30
	exitTrustFailed   = 40
	exitStorageFailed = 50
)

var (
	version = "dev"
	commit  = "unknown"

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

type command struct {
	usage string
	run   func(env *cliEnv, args []string) int
}

var commands = map[string]command{
	"keygen":    {"keygen    [--mnemonic words] [--passphrase p] [--out file]", runKeygen},
	"principal": {"principal (--jwk file | --text principal)", runPrincipal},
	"sign":      {"sign      --jwk file (--message text | --in file)", runSign},
	"verify":    {"verify    --pubkey hex --sig hex (--message text | --in file)", runVerify},
	"delegate":  {"delegate  --from-jwk file --to-jwk file [--ttl 1h] [--target principal ...] [--out file]", runDelegate},
	"inspect":   {"inspect   --in file", runInspect},
	"store":     {"store     --name entry --in file", runStore},
	"load":      {"load      --name entry [--out file]", runLoad},
	"list":      {"list", runList},
	"envelope":  {"envelope  --identity file --canister principal --method name [--type query|call] [--arg hex] [--send]", runEnvelope},
}

var commandOrder = []string{"keygen", "principal", "sign", "verify", "delegate", "inspect", "store", "load", "list", "envelope"}

// cliEnv carries the process streams so commands can be exercised in tests.
type cliEnv struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	metricsOut *string
	registry   *prometheus.Registry
}

func main() {
	os.Exit(run(os.Args[1:], &cliEnv{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}))
}

func run(args []string, env *cliEnv) int {
	if len(args) < 1 {
		printUsage(env.stderr)
		return exitInvalidInput
	}
	switch args[0] {
	case "version", "--version":
		fmt.Fprintf(env.stdout, "icid version=%s commit=%s\n", version, commit)
		return exitOK
	case "help", "-h", "--help":
		printUsage(env.stdout)
		return exitOK
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(env.stderr)
		return exitInvalidInput
	}
	code := cmd.run(env, args[1:])
	if err := env.writeMetrics(); err != nil {
		fmt.Fprintf(env.stderr, "metrics: %v\n", err)
		if code == exitOK {
			code = exitStorageFailed
		}
	}
	return code
}

// writeMetrics dumps the counters of the finished command in the text
// exposition format when --metrics-out was given.
func (e *cliEnv) writeMetrics() error {
	if e.metricsOut == nil || *e.metricsOut == "" || e.registry == nil {
		return nil
	}
	return prometheus.WriteToTextfile(*e.metricsOut, e.registry)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "icid <command> [--config path] [--metrics-out file] [flags]")
	fmt.Fprintln(w, "commands:")
	for _, name := range commandOrder {
		fmt.Fprintln(w, "  "+commands[name].usage)
	}
}

func (e *cliEnv) fail(code int, format string, args ...any) int {
	fmt.Fprintf(e.stderr, format+"\n", args...)
	return code
}

func (e *cliEnv) printJSON(v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return e.fail(exitInvalidInput, "encode output: %v", err)
	}
	if _, err := fmt.Fprintln(e.stdout, string(out)); err != nil {
		return exitInvalidInput
	}
	return exitOK
}
