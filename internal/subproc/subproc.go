// Package subproc provides uniform invocation of external programs with
// optional output capture, optional tolerance of non-zero exit, and
// cooperative cancellation. Downstream operations that would otherwise
// stall the process (reading a large log file, recursive copy or
// delete, a multi-minute git fetch) are delegated to child processes
// through this single runner rather than invoked ad hoc.
package subproc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/shipit/internal/shipterr"
)

// killGrace bounds how long a child is given to exit after SIGTERM
// before the runner escalates to SIGKILL.
const killGrace = 5 * time.Second

// Options controls a single Run invocation.
type Options struct {
	// Capture requests that stdout+stderr be captured as a single
	// UTF-8 byte stream and returned. When false, output is discarded.
	Capture bool
	// ErrorOK tolerates a non-zero exit: Run returns the exit code
	// instead of a *shipterr.SubprocessError.
	ErrorOK bool
	// Msg overrides the default failure description.
	Msg string
	// Dir sets the child's working directory.
	Dir string
}

// Result carries a completed invocation's exit code and, if requested,
// its captured output.
type Result struct {
	ExitCode int
	Output   []byte
}

// Run invokes program with args, awaiting it cooperatively via ctx.
// Input is never passed on the child's stdin.
//
// On cancellation of ctx, the child is signalled to terminate (SIGTERM)
// and waited on; if it has not exited within killGrace it is signalled
// again with SIGKILL. Cancellation from the caller's perspective only
// completes once the child has actually exited; Run then returns
// ctx.Err(), even when ErrorOK is set.
func Run(ctx context.Context, program string, args []string, opts Options) (Result, error) {
	cmd := exec.Command(program, args...)
	cmd.Dir = opts.Dir

	var buf bytes.Buffer
	if opts.Capture {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	if err := cmd.Start(); err != nil {
		return Result{}, shipterr.NewSubprocessError(
			fmt.Sprintf("%s: could not start: %v", program, err), -1, nil)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		terminate(cmd)
		select {
		case err = <-waitErr:
		case <-time.After(killGrace):
			kill(cmd)
			err = <-waitErr
		}
	}

	exitCode := exitCodeOf(cmd, err)
	res := Result{ExitCode: exitCode, Output: buf.Bytes()}

	// A cancelled ctx is surfaced to the caller whatever the child's exit
	// status, so pipeline state unwinds as a cancellation rather than as
	// an ordinary subprocess failure.
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if exitCode != 0 {
		if opts.ErrorOK {
			return res, nil
		}
		msg := opts.Msg
		if msg == "" {
			msg = fmt.Sprintf("%s failed, code %d", program, exitCode)
		}
		return res, shipterr.NewSubprocessError(msg, exitCode, res.Output)
	}

	return res, nil
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGKILL)
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}
