package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEngine means the container engine could not be reached or refused to launch.
	ErrEngine = errors.New("sandbox engine error")
	// ErrImageNotFound means the sandbox image is not available locally and was not pulled.
	ErrImageNotFound = errors.New("sandbox image not found")
	// ErrImageNotAllowed means the image is not on the policy allowlist.
	ErrImageNotAllowed = errors.New("sandbox image not allowed")
)

// Spec describes one sandboxed execution.
type Spec struct {
	ID      string // execution id, used to name the container
	Image   string // container image (e.g. "python:3.12-slim")
	Command string // shell command run with sh -c inside the mount path
	Dir     string // host directory mounted read/write into the sandbox
	Limits  Limits // overrides the runner defaults where non-zero
}

// RawResult is what the sandboxed command produced.
type RawResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	OOMKilled bool
	Truncated bool
	Duration  time.Duration
}

// Runner executes a command in an isolated environment.
//
// A non-zero exit status is reported in RawResult, not as an error. Errors
// are reserved for infrastructure faults.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*RawResult, error)
	Close() error
}

// Pinger is implemented by runners that can check engine reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, spec Spec) (*RawResult, error)

func (f RunnerFunc) Run(ctx context.Context, spec Spec) (*RawResult, error) {
	return f(ctx, spec)
}

func (f RunnerFunc) Close() error {
	return nil
}
