// Command governor runs and inspects the runtime governance core.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitRequest is raised through kong.Exit so --help and usage errors return
// from Run instead of terminating the process.
type exitRequest struct{ code int }

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) (code int) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("governor"),
		kong.Description("Runtime governance core: policy guard, loop budgets, quality gates and routing."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(c int) { panic(exitRequest{c}) }),
		kong.Vars{"version": fmt.Sprintf("%s (%s)", version, commit)},
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "governor: %v\n", err)
		return 2
	}

	defer func() {
		if r := recover(); r != nil {
			req, ok := r.(exitRequest)
			if !ok {
				panic(r)
			}
			code = req.code
		}
	}()

	var argv []string
	if len(args) > 1 {
		argv = args[1:]
	}
	kctx, err := parser.Parse(argv)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "governor: %v\n", err)
		var perr *kong.ParseError
		if errors.As(err, &perr) {
			return 2
		}
		return 1
	}

	env := &Env{Stdout: stdout, Stderr: stderr, Globals: &cli.Globals}
	if err := kctx.Run(env); err != nil {
		var ce *exitError
		if errors.As(err, &ce) {
			if ce.msg != "" {
				_, _ = fmt.Fprintln(stderr, ce.msg)
			}
			return ce.code
		}
		_, _ = fmt.Fprintf(stderr, "governor: %v\n", err)
		return 1
	}
	return 0
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
