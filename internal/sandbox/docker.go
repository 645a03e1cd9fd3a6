package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

const (
	killTimeout = 5 * time.Second
	exitTimeout = 10 * time.Second

	// exit status docker reports for SIGKILL
	killedExitCode = 137
)

// DockerRunner runs code in containers through the Docker Engine API.
type DockerRunner struct {
	cli    dockerClient
	policy Policy
	limits Limits
	logger *zerolog.Logger
}

// NewDockerRunner connects to the engine configured by the DOCKER_* environment.
func NewDockerRunner(policy Policy, limits Limits, logger *zerolog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrEngine, err)
	}
	return newDockerRunner(cli, policy, limits, logger), nil
}

func newDockerRunner(cli dockerClient, policy Policy, limits Limits, logger *zerolog.Logger) *DockerRunner {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DockerRunner{
		cli:    cli,
		policy: policy,
		limits: limits,
		logger: logger,
	}
}

func (d *DockerRunner) Run(ctx context.Context, spec Spec) (*RawResult, error) {
	if !d.policy.IsImageAllowed(spec.Image) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotAllowed, spec.Image)
	}
	limits := d.limits.Merge(spec.Limits)

	id, err := d.createContainer(ctx, spec, limits)
	if err != nil {
		return nil, err
	}
	defer d.removeContainer(id)

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start container: %v", ErrEngine, err)
	}

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	status, err := d.waitForExit(waitCtx, id)
	timedOut := waitCtx.Err() != nil && ctx.Err() == nil
	cancel()

	if err != nil {
		if timedOut {
			return d.handleTimeLimit(id, start, limits)
		}
		// Never leave a container running once nobody waits for it.
		d.killContainer(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	stdout, stderr, truncated, err := d.fetchLogs(context.WithoutCancel(ctx), id, limits.MaxOutputBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch logs: %v", ErrEngine, err)
	}

	result := &RawResult{
		ExitCode:  int(status.StatusCode),
		Stdout:    stdout,
		Stderr:    stderr,
		Truncated: truncated,
		Duration:  time.Since(start),
	}

	inspect, err := d.cli.ContainerInspect(context.WithoutCancel(ctx), id)
	if err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		result.OOMKilled = inspect.State.OOMKilled
	}

	return result, nil
}

func (d *DockerRunner) createContainer(ctx context.Context, spec Spec, limits Limits) (string, error) {
	config := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sh", "-c", spec.Command},
		WorkingDir:      d.policy.MountPath,
		User:            d.policy.User,
		Env:             []string{"HOME=/tmp"},
		NetworkDisabled: !d.policy.Network,
		AttachStdout:    true,
		AttachStderr:    true,
		Labels:          map[string]string{"runbox.execution": spec.ID},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: d.policy.MountPath,
		}},
		ReadonlyRootfs: d.policy.ReadOnlyRoot,
		Tmpfs:          map[string]string{"/tmp": d.policy.tmpfsOptions()},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			NanoCPUs: limits.NanoCPUs,
		},
	}
	if !d.policy.Network {
		hostConfig.NetworkMode = "none"
	}
	if limits.MemoryBytes > 0 {
		hostConfig.Resources.Memory = limits.MemoryBytes
		hostConfig.Resources.MemorySwap = limits.MemoryBytes // no swap
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	name := containerName(spec.ID)
	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil && errdefs.IsNotFound(err) && d.policy.PullMissing {
		if pullErr := d.pullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	}
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", fmt.Errorf("%w: create container: %v", ErrEngine, err)
	}

	d.logger.Debug().Str("container", resp.ID).Str("image", spec.Image).Msg("container created")
	return resp.ID, nil
}

func (d *DockerRunner) waitForExit(ctx context.Context, id string) (*container.WaitResponse, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return &status, nil
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for container: %w", ctx.Err())
	}
}

func (d *DockerRunner) handleTimeLimit(id string, start time.Time, limits Limits) (*RawResult, error) {
	d.killContainer(id)

	waitCtx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()
	exitCode := killedExitCode
	if status, err := d.waitForExit(waitCtx, id); err == nil {
		exitCode = int(status.StatusCode)
	}

	stdout, stderr, truncated, err := d.fetchLogs(context.Background(), id, limits.MaxOutputBytes)
	if err != nil {
		d.logger.Warn().Err(err).Str("container", id).Msg("fetching logs after time limit")
	}

	return &RawResult{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		TimedOut:  true,
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func (d *DockerRunner) killContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		d.logger.Warn().Err(err).Str("container", id).Msg("killing container")
	}
}

func (d *DockerRunner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		d.logger.Warn().Err(err).Str("container", id).Msg("removing container")
	}
}

func (d *DockerRunner) fetchLogs(ctx context.Context, id string, max int64) (stdout, stderr string, truncated bool, err error) {
	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false, err
	}
	defer logs.Close()

	outBuf, errBuf := newCappedBuffer(max), newCappedBuffer(max)
	if _, err := stdcopy.StdCopy(outBuf, errBuf, logs); err != nil {
		return "", "", false, err
	}
	return outBuf.String(), errBuf.String(), outBuf.truncated || errBuf.truncated, nil
}

func (d *DockerRunner) pullImage(ctx context.Context, ref string) error {
	d.logger.Info().Str("image", ref).Msg("pulling docker image")
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return fmt.Errorf("%w: pull image %s: %v", ErrEngine, ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pull image %s: %v", ErrEngine, ref, err)
	}
	d.logger.Info().Str("image", ref).Msg("pulled docker image")
	return nil
}

// EnsureImage pulls img unless it is already present.
func (d *DockerRunner) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	return d.pullImage(ctx, img)
}

// Ping checks that the engine is reachable.
func (d *DockerRunner) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return nil
}

func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

func containerName(id string) string {
	return "runbox-" + id
}
