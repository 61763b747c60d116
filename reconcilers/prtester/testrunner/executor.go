/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package testrunner

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// Command is a shell command line with its working directory and complete
// environment.
type Command struct {
	Line string
	Dir  string
	Env  []string
}

// Executor runs commands for the Runner. Run writes the command's combined
// stdout and stderr to out, in the order it was produced, and returns the
// exit code. A non-nil error means the command could not be run at all.
type Executor interface {
	Run(ctx context.Context, cmd Command, out io.Writer) (int, error)
}

// ShellExecutor runs command lines through a POSIX shell.
type ShellExecutor struct {
	// Shell defaults to /bin/sh.
	Shell string
}

var _ Executor = ShellExecutor{}

// Run implements Executor.
func (e ShellExecutor) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Line)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	// A single writer for both streams keeps their interleaving intact.
	c.Stdout = out
	c.Stderr = out

	err := c.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}
