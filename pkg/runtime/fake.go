package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// FakeContainer is the recorded state of one container in a Fake.
type FakeContainer struct {
	Spec    CreateSpec
	Running bool
}

// FakeUpload records one UploadTar call.
type FakeUpload struct {
	SandboxID string
	DestPath  string
	Content   []byte
}

// Fake is an in-memory Runtime for tests and local development. Exec
// behavior is scriptable through ExecFunc; the default answers echo so
// health probes pass and returns exit 0 for everything else.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	volumes    map[string]bool
	uploads    []FakeUpload

	// ExecFunc, when set, handles every ExecCollect call.
	ExecFunc func(sandboxID string, argv []string, stdin []byte) (*ExecResult, error)
	// DownloadFunc, when set, handles every DownloadTar call.
	DownloadFunc func(sandboxID, srcPath string) (io.ReadCloser, error)
	// HealthOverride, when non-empty, wins over the derived health.
	HealthOverride map[string]Health
	// CreateErr, when set, fails the next CreateContainer call.
	CreateErr error
}

// NewFake builds an empty Fake.
func NewFake() *Fake {
	return &Fake{
		containers:     make(map[string]*FakeContainer),
		volumes:        make(map[string]bool),
		HealthOverride: make(map[string]Health),
	}
}

// CreateContainer records the spec and marks the container running.
func (f *Fake) CreateContainer(_ context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}
	if c, ok := f.containers[spec.SandboxID]; ok && c.Running {
		return "", fmt.Errorf("container %s already exists", containerName(spec.SandboxID))
	}
	f.containers[spec.SandboxID] = &FakeContainer{Spec: spec, Running: true}
	return "fake-" + spec.SandboxID, nil
}

// StopAndRemove drops the container. Absence is success.
func (f *Fake) StopAndRemove(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, sandboxID)
	return nil
}

// ExecCollect dispatches to ExecFunc, with an echo default.
func (f *Fake) ExecCollect(_ context.Context, sandboxID string, argv []string, stdin io.Reader) (*ExecResult, error) {
	f.mu.Lock()
	c, ok := f.containers[sandboxID]
	execFn := f.ExecFunc
	f.mu.Unlock()
	if !ok || !c.Running {
		return nil, fmt.Errorf("exec in %s: %w", containerName(sandboxID), ErrContainerNotFound)
	}

	var in []byte
	if stdin != nil {
		in, _ = io.ReadAll(stdin)
	}
	if execFn != nil {
		return execFn(sandboxID, argv, in)
	}
	if len(argv) > 0 && argv[0] == "echo" {
		return &ExecResult{ExitCode: 0, Stdout: []byte(strings.Join(argv[1:], " ") + "\n")}, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}

// UploadTar records the upload for later assertions.
func (f *Fake) UploadTar(_ context.Context, sandboxID string, content io.Reader, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[sandboxID]; !ok {
		return fmt.Errorf("upload to %s: %w", containerName(sandboxID), ErrContainerNotFound)
	}
	raw, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.uploads = append(f.uploads, FakeUpload{SandboxID: sandboxID, DestPath: destPath, Content: raw})
	return nil
}

// DownloadTar dispatches to DownloadFunc, defaulting to an empty archive.
func (f *Fake) DownloadTar(_ context.Context, sandboxID, srcPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	_, ok := f.containers[sandboxID]
	downloadFn := f.DownloadFunc
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("download from %s: %w", containerName(sandboxID), ErrContainerNotFound)
	}
	if downloadFn != nil {
		return downloadFn(sandboxID, srcPath)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.Close()
	return io.NopCloser(&buf), nil
}

// InspectHealth derives health from recorded state unless overridden.
func (f *Fake) InspectHealth(_ context.Context, sandboxID string) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.HealthOverride[sandboxID]; ok {
		return h, nil
	}
	c, ok := f.containers[sandboxID]
	if !ok {
		return HealthAbsent, nil
	}
	if !c.Running {
		return HealthStopped, nil
	}
	return HealthResponsive, nil
}

// CreateVolume records the volume.
func (f *Fake) CreateVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

// RemoveVolume drops the volume. Absence is success.
func (f *Fake) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

// Container returns the recorded container for a sandbox, or nil.
func (f *Fake) Container(sandboxID string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[sandboxID]
}

// StopRunning marks the container stopped without removing it.
func (f *Fake) StopRunning(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[sandboxID]; ok {
		c.Running = false
	}
}

// HasVolume reports whether the named volume exists.
func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name]
}

// Uploads returns recorded UploadTar calls in order.
func (f *Fake) Uploads() []FakeUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeUpload, len(f.uploads))
	copy(out, f.uploads)
	return out
}

var _ Runtime = (*Fake)(nil)
var _ Runtime = (*Docker)(nil)
