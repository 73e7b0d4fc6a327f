package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	volumetypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerPrefix = "tsbx-"
	sandboxLabel    = "io.tsbx.sandbox-id"

	probeNonce = "tsbx-ping"
)

// DockerConfig tunes the Docker-backed runtime.
type DockerConfig struct {
	// Network attaches containers to a named network when non-empty.
	Network string
	// StopTimeout is how long a container gets to exit on SIGTERM before
	// SIGKILL.
	StopTimeout time.Duration
	// ProbeTimeout bounds the echo health probe.
	ProbeTimeout time.Duration
}

func (c *DockerConfig) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Docker implements Runtime against a Docker engine.
type Docker struct {
	client *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDocker connects to the engine from the environment (DOCKER_HOST et
// al) with API version negotiation.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	cfg.applyDefaults()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{
		client: cli,
		cfg:    cfg,
		logger: slog.Default().With("component", "runtime.docker"),
	}, nil
}

// Close releases the engine connection.
func (d *Docker) Close() error {
	return d.client.Close()
}

func containerName(sandboxID string) string {
	return containerPrefix + sandboxID
}

// CreateContainer creates and starts the sandbox container, pulling the
// image first if the engine does not have it.
func (d *Docker) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	containerConfig := &containertypes.Config{
		Image:  spec.Image,
		Env:    renderEnv(spec.Env),
		Labels: map[string]string{sandboxLabel: spec.SandboxID},
	}
	if len(spec.Cmd) > 0 {
		containerConfig.Cmd = spec.Cmd
	}

	hostConfig := &containertypes.HostConfig{}
	if spec.Limits.MemoryBytes > 0 {
		hostConfig.Memory = spec.Limits.MemoryBytes
	}
	if spec.Limits.CPUs > 0 {
		hostConfig.NanoCPUs = int64(spec.Limits.CPUs * 1e9)
	}
	if d.cfg.Network != "" {
		hostConfig.NetworkMode = containertypes.NetworkMode(d.cfg.Network)
	}
	for _, m := range spec.Mounts {
		mt := mount.TypeVolume
		if m.Type == "bind" {
			mt = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	name := containerName(spec.SandboxID)
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	d.logger.Info("Container started",
		"sandbox_id", spec.SandboxID,
		"container_id", resp.ID,
		"image", spec.Image,
	)
	return resp.ID, nil
}

// StopAndRemove stops and deletes the sandbox's container. A missing
// container is success.
func (d *Docker) StopAndRemove(ctx context.Context, sandboxID string) error {
	name := containerName(sandboxID)
	timeoutSeconds := int(d.cfg.StopTimeout.Seconds())

	err := d.client.ContainerStop(ctx, name, containertypes.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", name, err)
	}

	err = d.client.ContainerRemove(ctx, name, containertypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}

	d.logger.Info("Container removed", "sandbox_id", sandboxID)
	return nil
}

// ExecCollect runs argv in the sandbox container and collects the
// demultiplexed output.
func (d *Docker) ExecCollect(ctx context.Context, sandboxID string, argv []string, stdin io.Reader) (*ExecResult, error) {
	name := containerName(sandboxID)

	execCreate, err := d.client.ContainerExecCreate(ctx, name, containertypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("exec in %s: %w", name, ErrContainerNotFound)
		}
		return nil, fmt.Errorf("create exec in %s: %w", name, err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execCreate.ID, containertypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec in %s: %w", name, err)
	}
	defer resp.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output in %s: %w", name, err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec in %s: %w", name, err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// UploadTar extracts a tar stream at destPath inside the container.
func (d *Docker) UploadTar(ctx context.Context, sandboxID string, content io.Reader, destPath string) error {
	name := containerName(sandboxID)
	err := d.client.CopyToContainer(ctx, name, destPath, content, containertypes.CopyToContainerOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("upload to %s: %w", name, ErrContainerNotFound)
		}
		return fmt.Errorf("upload tar to %s:%s: %w", name, destPath, err)
	}
	return nil
}

// DownloadTar streams srcPath out of the container as a tar archive.
func (d *Docker) DownloadTar(ctx context.Context, sandboxID string, srcPath string) (io.ReadCloser, error) {
	name := containerName(sandboxID)
	reader, _, err := d.client.CopyFromContainer(ctx, name, srcPath)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("download from %s: %w", name, ErrContainerNotFound)
		}
		return nil, fmt.Errorf("download tar from %s:%s: %w", name, srcPath, err)
	}
	return reader, nil
}

// InspectHealth classifies the sandbox container. A running container is
// probed with an echo round-trip before it counts as responsive.
func (d *Docker) InspectHealth(ctx context.Context, sandboxID string) (Health, error) {
	name := containerName(sandboxID)
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return HealthAbsent, nil
		}
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}
	if info.State == nil || !info.State.Running {
		return HealthStopped, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()
	res, err := d.ExecCollect(probeCtx, sandboxID, []string{"echo", probeNonce}, nil)
	if err != nil || res.ExitCode != 0 || !strings.Contains(string(res.Stdout), probeNonce) {
		return HealthUnresponsive, nil
	}
	return HealthResponsive, nil
}

// CreateVolume creates a named volume. Creating an existing volume is a
// no-op on the engine side.
func (d *Docker) CreateVolume(ctx context.Context, name string) error {
	_, err := d.client.VolumeCreate(ctx, volumetypes.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume force-removes a named volume. Absence is success.
func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, true); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

func (d *Docker) ensureImage(ctx context.Context, image string) error {
	if _, err := d.client.ImageInspect(ctx, image); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("complete image pull %s: %w", image, err)
	}
	return nil
}

// renderEnv flattens an env map into sorted K=V form so container specs
// are stable across runs.
func renderEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
