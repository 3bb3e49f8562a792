// Package shell implements the interactive Moondream Station console: a
// line-oriented command loop over the hypervisor admin API. Commands
// are dispatched through a registered table that is validated before
// the first prompt, and completion output is rendered from the API's
// typed responses.
package shell

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
)

// Prompt is the shell's input marker.
const Prompt = "moondream> "

// API is the slice of the admin client the commands drive. *Client
// satisfies it.
type API interface {
	Health(ctx context.Context) (*HealthInfo, error)
	CheckUpdates(ctx context.Context) (*UpdatesDiff, error)
	UpdateAll(ctx context.Context, confirm bool) (*orchestrator.AllResponse, error)
	UpdateComponent(ctx context.Context, name string, confirm bool) (*orchestrator.Response, error)
	StationConfig(ctx context.Context) (*StationConfig, error)
	Status(ctx context.Context) (*StationStatus, error)
	Models(ctx context.Context) (*ModelCatalog, error)
	UseModel(ctx context.Context, id string, confirm bool) (*orchestrator.ModelResponse, error)
	RefreshManifest(ctx context.Context) (*ManifestInfo, error)
	History(ctx context.Context, component string, limit int) ([]history.Entry, error)
	SetMetrics(ctx context.Context, enabled bool) (bool, error)
	Reset(ctx context.Context, confirm bool) error
}

// Shell is the interactive console.
type Shell struct {
	api   API
	in    io.Reader
	out   io.Writer
	cmds  map[string]*Command
	order []string
}

// New builds a shell over the given API, reading commands from in and
// writing output to out. The command table is validated here; a
// malformed registration is a startup error.
func New(api API, in io.Reader, out io.Writer) (*Shell, error) {
	table, order, err := buildTable(commands())
	if err != nil {
		return nil, err
	}
	return &Shell{api: api, in: in, out: out, cmds: table, order: order}, nil
}

// Run reads and executes commands until exit or end of input.
func (sh *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(sh.in)
	for {
		fmt.Fprint(sh.out, Prompt)
		if !scanner.Scan() {
			fmt.Fprintln(sh.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sh.Exec(ctx, line) {
			return nil
		}
	}
}

// Exec runs a single command line and reports whether the shell should
// exit. The leading token "admin" is accepted as an alias prefix.
func (sh *Shell) Exec(ctx context.Context, line string) bool {
	args := splitArgs(line)
	if len(args) == 0 {
		return false
	}

	if args[0] == "admin" {
		args = args[1:]
		if len(args) == 0 {
			if err := cmdHelp(ctx, sh, nil); err != nil {
				sh.renderError(err)
			}
			return false
		}
	}

	cmd, ok := sh.cmds[args[0]]
	if !ok {
		sh.printf("Unknown command %q. Type 'help' for a list.\n", args[0])
		return false
	}
	if err := cmd.Run(ctx, sh, args[1:]); err != nil {
		sh.renderError(err)
	}
	return cmd.Terminal
}

// Once runs a single pre-split command outside the interactive loop.
// Output goes to the shell's writer as usual, but the command's error
// comes back to the caller so a one-shot invocation can exit non-zero.
func (sh *Shell) Once(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] == "admin" {
		args = args[1:]
	}
	if len(args) == 0 {
		return errors.Newf(errors.CategoryConfig, "no command given")
	}
	cmd, ok := sh.cmds[args[0]]
	if !ok {
		return errors.Newf(errors.CategoryConfig, "unknown command %q, run 'moondream admin help' for a list", args[0])
	}
	return cmd.Run(ctx, sh, args[1:])
}

// splitArgs splits a command line into fields, honoring double quotes
// so model ids containing spaces survive.
func splitArgs(line string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case unicode.IsSpace(r) && !inQuote:
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}

func (sh *Shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *Shell) println(s string) {
	fmt.Fprintln(sh.out, s)
}

func (sh *Shell) renderError(err error) {
	var se *errors.StationError
	if stderrors.As(err, &se) {
		if se.Code != "" {
			sh.printf("Error [%s]: %s\n", se.Code, se.Message)
		} else {
			sh.printf("Error: %s\n", se.Message)
		}
		if se.Detail != "" {
			sh.printf("  %s\n", se.Detail)
		}
		if se.Suggestion != "" {
			sh.printf("  %s\n", se.Suggestion)
		}
		return
	}
	sh.printf("Error: %v\n", err)
}
