package runner

import (
	"context"
	"time"

	"github.com/FocuswithJustin/propelbridge/internal/logging"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
)

// Invocation is one sub-command call.
type Invocation struct {
	SubCommand string
	Args       *ordered.Map[any] // Command specific arguments
	ScratchDir string
	Verbose    bool

	// Platform is passed only when SupportsPlatform is set and it is
	// non-empty.
	Platform         string
	SupportsPlatform bool
}

// Dispatcher merges default arguments into an invocation and hands it to
// the generator.
type Dispatcher struct {
	gen Generator
}

// NewDispatcher creates a Dispatcher around gen.
func NewDispatcher(gen Generator) *Dispatcher {
	return &Dispatcher{gen: gen}
}

// DefaultArgs returns the arguments every sub-command receives.
func DefaultArgs(scratchDir string, verbose bool) *ordered.Map[any] {
	args := ordered.New[any]()
	args.Set("input-dir", scratchDir)
	args.Set("output-dir", scratchDir)
	args.Set("verbose", verbose)
	return args
}

// BuildArgs overlays inv.Args onto the defaults and appends the platform.
func BuildArgs(inv Invocation) *ordered.Map[any] {
	args := DefaultArgs(inv.ScratchDir, inv.Verbose).Merge(inv.Args)
	if inv.SupportsPlatform && inv.Platform != "" {
		args.Set("platform", inv.Platform)
	}
	return args
}

// Invoke runs the sub-command and returns its exit code unchanged. There
// is no retry.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) (int, error) {
	args := BuildArgs(inv)

	start := time.Now()
	code, err := d.gen.Run(ctx, inv.SubCommand, args)
	if err != nil {
		logging.ErrorContext(ctx, "sub_command_failed", "target", inv.SubCommand, "error", err)
		return code, err
	}
	logging.SubCommand(ctx, inv.SubCommand, code, time.Since(start))
	return code, nil
}
