// Bort is the policy, routing and budget gate an agent runs its work
// through.
//
// Every task arrives as a JSON Task Envelope. Bort validates it against
// the role ("hat") policy, picks a model for it, and meters calls to
// the X API against a daily spend cap. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	bort init [dir]          Write default config, policy and routing files
//	bort preflight [file]    Validate a stream of envelopes
//	bort gate                Validate and route JSON lines on stdin
//	bort route [file]        Validate and route one envelope
//	bort filter [file]       Check text for secret-shaped content
//	bort budget              Show today's spend against the cap
//	bort call -method M -endpoint E ...
//	                         Make one metered X API call
//	bort report              Render the state report
//	bort models              Show model availability
//	bort policy              Show the effective hat table
//	bort version             Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bort-os/bort/internal/buildinfo"
)

// errSilent marks a failure whose details were already written to
// stdout; main exits non-zero without printing it again.
var errSilent = errors.New("")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Process-level dependencies are passed in
// so the whole command surface can be driven from tests. Logs go to
// stderr; command results go to stdout.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	// Global flags are parsed by hand; subcommands with their own flags
	// use a private flag.FlagSet.
	var g globals
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			g.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			g.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			g.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			g.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			g.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if g.output == "" {
		g.output = "text"
	}
	if g.output != "text" && g.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
	}
	g.stdin, g.stdout, g.stderr = stdin, stdout, stderr

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "preflight":
		return runPreflight(ctx, g, cmdArgs)
	case "gate":
		return runGate(ctx, g)
	case "route":
		return runRoute(ctx, g, cmdArgs)
	case "filter":
		return runFilter(g, cmdArgs)
	case "budget":
		return runBudget(ctx, g)
	case "call":
		return runCall(ctx, g, cmdArgs)
	case "report":
		return runReport(ctx, g, cmdArgs)
	case "models":
		return runModels(ctx, g)
	case "policy":
		return runPolicy(ctx, g)
	case "version":
		return runVersion(stdout, g.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// globals carries the parsed top-level flags and stdio into commands.
type globals struct {
	configPath string
	output     string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (g globals) json() bool { return g.output == "json" }

// writeJSON encodes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Bort - policy, routing and budget gate")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bort [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]        Write default config, policy and routing files (default: .)")
	fmt.Fprintln(w, "  preflight [file]  Validate a stream of envelopes (default: stdin)")
	fmt.Fprintln(w, "  gate              Validate and route JSON lines from stdin until EOF")
	fmt.Fprintln(w, "  route [file]      Validate and route one envelope")
	fmt.Fprintln(w, "  filter [file]     Check text for secret-shaped content")
	fmt.Fprintln(w, "  budget            Show today's spend, cap and remaining")
	fmt.Fprintln(w, "  call              Make one metered X API call (see bort call -h)")
	fmt.Fprintln(w, "  report            Render the state report (-format md|html)")
	fmt.Fprintln(w, "  models            Show provider and model availability")
	fmt.Fprintln(w, "  policy            Show the effective hat table")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./bort.yaml, ~/.config/bort/bort.yaml, /etc/bort/bort.yaml")
	return nil
}
