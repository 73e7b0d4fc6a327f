// Package runtime adapts the container engine behind the control plane.
// Sandboxes map 1:1 to containers addressed by a name derived from the
// sandbox id, so every operation takes the sandbox id and no extra state
// survives a control plane restart.
package runtime

import (
	"context"
	"errors"
	"io"
)

// Health classifies a sandbox container as seen by the engine plus a probe.
type Health string

const (
	// HealthAbsent means no container exists for the sandbox.
	HealthAbsent Health = "absent"
	// HealthStopped means the container exists but is not running.
	HealthStopped Health = "stopped"
	// HealthResponsive means the container is running and an echo probe
	// round-tripped.
	HealthResponsive Health = "running_responsive"
	// HealthUnresponsive means the container is running but the probe
	// failed or timed out.
	HealthUnresponsive Health = "running_unresponsive"
)

// ErrContainerNotFound is returned by operations that need a live
// container when none exists. StopAndRemove treats absence as success.
var ErrContainerNotFound = errors.New("container not found")

// Mount attaches a volume or host path to a container.
type Mount struct {
	// Type is "volume" or "bind".
	Type     string
	Source   string
	Target   string
	ReadOnly bool
}

// Limits caps container resources. Zero values mean unlimited.
type Limits struct {
	MemoryBytes int64
	CPUs        float64
}

// CreateSpec describes a container to create and start.
type CreateSpec struct {
	// SandboxID names the container; one container per sandbox.
	SandboxID string
	Image     string
	Env       map[string]string
	Mounts    []Mount
	Limits    Limits
	// Cmd overrides the image entrypoint arguments when non-empty.
	Cmd []string
}

// ExecResult carries the collected output of a finished command.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the container engine surface the control plane depends on.
type Runtime interface {
	// CreateContainer creates and starts a container for the spec,
	// returning the engine's container id.
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)

	// StopAndRemove stops and deletes the sandbox's container. Absence is
	// success: the operation is idempotent.
	StopAndRemove(ctx context.Context, sandboxID string) error

	// ExecCollect runs argv inside the container and returns its exit
	// code and full output. stdin may be nil.
	ExecCollect(ctx context.Context, sandboxID string, argv []string, stdin io.Reader) (*ExecResult, error)

	// UploadTar streams a tar archive into the container, extracted at
	// destPath.
	UploadTar(ctx context.Context, sandboxID string, content io.Reader, destPath string) error

	// DownloadTar streams srcPath out of the container as a tar archive.
	// The caller closes the stream.
	DownloadTar(ctx context.Context, sandboxID string, srcPath string) (io.ReadCloser, error)

	// InspectHealth classifies the sandbox's container. Running counts as
	// responsive only after an echo probe round-trips.
	InspectHealth(ctx context.Context, sandboxID string) (Health, error)

	// CreateVolume creates a named volume, a no-op if it exists.
	CreateVolume(ctx context.Context, name string) error

	// RemoveVolume force-removes a named volume, a no-op if absent.
	RemoveVolume(ctx context.Context, name string) error
}
