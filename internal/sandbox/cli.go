package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// exit status docker uses when the CLI itself fails, as opposed to the contained command
const engineExitCode = 125

// CLIRunner runs code in containers by shelling out to the docker CLI.
// It is used where the engine socket is not reachable from the process but
// the CLI is configured (rootless setups, remote contexts).
type CLIRunner struct {
	Binary    string        // docker-compatible CLI, defaults to "docker"
	KillGrace time.Duration // wait after `docker kill` before killing the client
	policy    Policy
	limits    Limits
	logger    *zerolog.Logger
}

// NewCLIRunner creates a runner that invokes binary for every execution.
func NewCLIRunner(binary string, policy Policy, limits Limits, logger *zerolog.Logger) *CLIRunner {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &CLIRunner{
		Binary:    binary,
		KillGrace: 2 * time.Second,
		policy:    policy,
		limits:    limits,
		logger:    logger,
	}
}

// Run creates the container first so image pulls happen before the clock
// starts, then attaches to it with `docker start -a` under the time limit.
func (c *CLIRunner) Run(ctx context.Context, spec Spec) (*RawResult, error) {
	if !c.policy.IsImageAllowed(spec.Image) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotAllowed, spec.Image)
	}
	limits := c.limits.Merge(spec.Limits)
	name := containerName(spec.ID)

	out, err := exec.CommandContext(ctx, c.Binary, c.createArgs(spec, limits)...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			c.remove(name)
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: running %s: %v", ErrEngine, c.Binary, err)
		}
		c.remove(name)
		return nil, cliEngineError(spec.Image, string(out))
	}
	defer c.remove(name)

	// Not CommandContext: killing the client would leave the container running.
	cmd := exec.Command(c.Binary, "start", "-a", name)
	stdout, stderr := newCappedBuffer(limits.MaxOutputBytes), newCappedBuffer(limits.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: running %s: %v", ErrEngine, c.Binary, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if limits.Timeout > 0 {
		t := time.NewTimer(limits.Timeout)
		defer t.Stop()
		timer = t.C
	}

	timedOut := false
	select {
	case err = <-done:
	case <-timer:
		timedOut = true
		err = c.kill(name, cmd, done)
	case <-ctx.Done():
		c.kill(name, cmd, done)
		return nil, ctx.Err()
	}

	result := &RawResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		TimedOut:  timedOut,
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: running %s: %v", ErrEngine, c.Binary, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	if timedOut {
		if result.ExitCode <= 0 {
			result.ExitCode = killedExitCode
		}
		return result, nil
	}

	// 125 is also a legal program exit status; only docker's own messages mark an engine fault.
	if result.ExitCode == engineExitCode && isEngineMessage(result.Stderr) {
		return nil, cliEngineError(spec.Image, result.Stderr)
	}
	return result, nil
}

// remove force-removes the container, stopping it if still running.
func (c *CLIRunner) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, c.Binary, "rm", "-f", name).CombinedOutput(); err != nil {
		c.logger.Warn().Err(err).Str("container", name).Str("output", strings.TrimSpace(string(out))).Msg("docker rm")
	}
}

// kill stops the container, then the client if it has not exited within the grace period.
func (c *CLIRunner) kill(name string, cmd *exec.Cmd, done <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, c.Binary, "kill", name).CombinedOutput(); err != nil {
		c.logger.Debug().Err(err).Str("container", name).Str("output", strings.TrimSpace(string(out))).Msg("docker kill")
	}

	select {
	case err := <-done:
		return err
	case <-time.After(c.KillGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-done
	}
}

func (c *CLIRunner) createArgs(spec Spec, limits Limits) []string {
	args := []string{
		"create",
		"--name", containerName(spec.ID),
		"--label", "runbox.execution=" + spec.ID,
	}
	if !c.policy.Network {
		args = append(args, "--network=none")
	}
	if limits.MemoryBytes > 0 {
		mem := strconv.FormatInt(limits.MemoryBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if limits.NanoCPUs > 0 {
		args = append(args, "--cpus", limits.CPUs())
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(limits.PidsLimit, 10))
	}
	args = append(args,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)
	if c.policy.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	args = append(args, "--tmpfs", "/tmp:"+c.policy.tmpfsOptions())
	if c.policy.User != "" {
		args = append(args, "--user", c.policy.User)
	}
	args = append(args,
		"-e", "HOME=/tmp",
		"-v", spec.Dir+":"+c.policy.MountPath,
		"-w", c.policy.MountPath,
	)
	if !c.policy.PullMissing {
		args = append(args, "--pull", "never")
	}
	args = append(args, spec.Image, "sh", "-c", spec.Command)
	return args
}

func isEngineMessage(stderr string) bool {
	msg := strings.TrimSpace(stderr)
	for _, marker := range []string{
		"docker: ",
		"Error response from daemon",
		"Cannot connect to the Docker daemon",
		"No such image",
		"Unable to find image",
		"pull access denied",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Close is a no-op; the CLI holds no connection.
func (c *CLIRunner) Close() error { return nil }

func cliEngineError(image, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if strings.Contains(msg, "No such image") || strings.Contains(msg, "Unable to find image") ||
		strings.Contains(msg, "pull access denied") {
		return fmt.Errorf("%w: %s", ErrImageNotFound, image)
	}
	return fmt.Errorf("%w: %s", ErrEngine, msg)
}

// EnsureImage pulls img unless the CLI already has it.
func (c *CLIRunner) EnsureImage(ctx context.Context, img string) error {
	if err := exec.CommandContext(ctx, c.Binary, "image", "inspect", img).Run(); err == nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, c.Binary, "pull", img).CombinedOutput()
	if err != nil {
		return cliEngineError(img, string(out))
	}
	c.logger.Info().Str("image", img).Msg("pulled docker image")
	return nil
}

// Ping checks that the CLI can reach its engine.
func (c *CLIRunner) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, c.Binary, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEngine, strings.TrimSpace(string(out)))
	}
	return nil
}
