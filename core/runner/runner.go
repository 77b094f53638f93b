// Package runner invokes the external generator's sub-commands. The
// dispatcher assembles arguments; a Generator executes them and reports
// the exit code, which is passed through untouched.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
)

// Generator runs one generator sub-command with a flat argument map and
// returns its exit code.
type Generator interface {
	Run(ctx context.Context, subCommand string, args *ordered.Map[any]) (int, error)
}

// ExecGenerator runs the generator as an external process:
// `<Path> <subCommand> --key=value ...`.
type ExecGenerator struct {
	Path    string        // Executable, looked up on PATH when it has no separator
	Dir     string        // Working directory, defaults to the current one
	Timeout time.Duration // Zero means no timeout

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Command returns the argument vector passed to the generator.
func (g *ExecGenerator) Command(subCommand string, args *ordered.Map[any]) []string {
	return append([]string{subCommand}, FormatArgs(args)...)
}

// Run implements Generator.
func (g *ExecGenerator) Run(ctx context.Context, subCommand string, args *ordered.Map[any]) (int, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	// Process is killed when ctx is done.
	cmd := exec.CommandContext(ctx, g.Path, g.Command(subCommand, args)...)
	cmd.Dir = g.Dir
	cmd.Stdin = g.Stdin
	cmd.Stdout = orDefault(g.Stdout, os.Stdout)
	cmd.Stderr = orDefault(g.Stderr, os.Stderr)

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return -1, fmt.Errorf("generator %s timed out after %v", subCommand, g.Timeout)
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, apperrors.NewIO("run", g.Path, err)
	}
	return 0, nil
}

func orDefault(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}

// FormatArgs renders an argument map as command line options in map order.
// Strings become --key=value, true becomes --key, false and nil are
// dropped, and string slices repeat the option once per element.
func FormatArgs(args *ordered.Map[any]) []string {
	if args == nil {
		return nil
	}

	var out []string
	args.Each(func(key string, value any) {
		switch v := value.(type) {
		case nil:
		case bool:
			if v {
				out = append(out, "--"+key)
			}
		case string:
			out = append(out, "--"+key+"="+v)
		case []string:
			for _, item := range v {
				out = append(out, "--"+key+"="+item)
			}
		case map[string]string:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, "--"+key+"="+k+"="+v[k])
			}
		default:
			out = append(out, fmt.Sprintf("--%s=%v", key, v))
		}
	})
	return out
}
