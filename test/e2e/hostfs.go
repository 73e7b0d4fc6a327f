package e2e

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tsbx-io/tsbx/pkg/runtime"
)

// hostRuntime implements runtime.Runtime against real directories on the
// test host. Each sandbox gets its own root under base; absolute container
// paths are rewritten onto that root and argv runs through the host's own
// coreutils, so the worker's stat/cat/find/rm contract is exercised against
// a real filesystem instead of canned output.
type hostRuntime struct {
	base string

	mu         sync.Mutex
	containers map[string]*hostContainer
	volumes    map[string]bool
	execCalls  map[string]int
}

type hostContainer struct {
	containerID string
	spec        runtime.CreateSpec
	root        string
}

func newHostRuntime(base string) *hostRuntime {
	return &hostRuntime{
		base:       base,
		containers: make(map[string]*hostContainer),
		volumes:    make(map[string]bool),
		execCalls:  make(map[string]int),
	}
}

// hostPath maps an absolute container path onto the sandbox root.
func (c *hostContainer) hostPath(p string) string {
	return filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(path.Clean(p), "/")))
}

func (h *hostRuntime) container(sandboxID string) (*hostContainer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[sandboxID]
	return c, ok
}

// CreateContainer materializes the sandbox root and its mount targets.
func (h *hostRuntime) CreateContainer(_ context.Context, spec runtime.CreateSpec) (string, error) {
	c := &hostContainer{
		containerID: "host-" + spec.SandboxID,
		spec:        spec,
		root:        filepath.Join(h.base, spec.SandboxID),
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", err
	}
	for _, m := range spec.Mounts {
		if err := os.MkdirAll(c.hostPath(m.Target), 0o755); err != nil {
			return "", err
		}
	}

	h.mu.Lock()
	h.containers[spec.SandboxID] = c
	h.mu.Unlock()
	return c.containerID, nil
}

// StopAndRemove drops the container record. The directory tree stays behind
// for post-mortem assertions; t.TempDir cleanup removes it.
func (h *hostRuntime) StopAndRemove(_ context.Context, sandboxID string) error {
	h.mu.Lock()
	delete(h.containers, sandboxID)
	h.mu.Unlock()
	return nil
}

// ExecCollect rewrites absolute argv elements onto the sandbox root and runs
// the command on the host. Non-zero exits are results, not errors.
func (h *hostRuntime) ExecCollect(ctx context.Context, sandboxID string, argv []string, stdin io.Reader) (*runtime.ExecResult, error) {
	c, ok := h.container(sandboxID)
	if !ok {
		return nil, fmt.Errorf("exec in %s: %w", sandboxID, runtime.ErrContainerNotFound)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("exec in %s: empty argv", sandboxID)
	}

	h.mu.Lock()
	h.execCalls[argv[0]]++
	h.mu.Unlock()

	rewritten := make([]string, len(argv))
	for i, arg := range argv {
		if strings.HasPrefix(arg, "/") {
			rewritten[i] = c.hostPath(arg)
		} else {
			rewritten[i] = arg
		}
	}

	cmd := exec.CommandContext(ctx, rewritten[0], rewritten[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = stdin

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("exec in %s: %w", sandboxID, err)
	}
	return &runtime.ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// UploadTar extracts the archive under destPath inside the sandbox root.
func (h *hostRuntime) UploadTar(_ context.Context, sandboxID string, content io.Reader, destPath string) error {
	c, ok := h.container(sandboxID)
	if !ok {
		return fmt.Errorf("upload to %s: %w", sandboxID, runtime.ErrContainerNotFound)
	}
	dest := c.hostPath(destPath)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			body, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			if err := os.WriteFile(target, body, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
}

// DownloadTar archives srcPath with entries rooted at its base name, the
// same layout a container engine's copy-from produces, so restoring the
// archive at / recreates the original tree.
func (h *hostRuntime) DownloadTar(_ context.Context, sandboxID string, srcPath string) (io.ReadCloser, error) {
	c, ok := h.container(sandboxID)
	if !ok {
		return nil, fmt.Errorf("download from %s: %w", sandboxID, runtime.ErrContainerNotFound)
	}
	src := c.hostPath(srcPath)
	if _, err := os.Stat(src); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	rootName := path.Base(path.Clean(srcPath))

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := rootName
		if rel != "." {
			name = path.Join(rootName, filepath.ToSlash(rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    int64(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}); err != nil {
			return err
		}
		body, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = tw.Write(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// InspectHealth reports running containers as responsive; the host process
// is the probe.
func (h *hostRuntime) InspectHealth(_ context.Context, sandboxID string) (runtime.Health, error) {
	if _, ok := h.container(sandboxID); !ok {
		return runtime.HealthAbsent, nil
	}
	return runtime.HealthResponsive, nil
}

// CreateVolume records the volume name.
func (h *hostRuntime) CreateVolume(_ context.Context, name string) error {
	h.mu.Lock()
	h.volumes[name] = true
	h.mu.Unlock()
	return nil
}

// RemoveVolume forgets the volume name.
func (h *hostRuntime) RemoveVolume(_ context.Context, name string) error {
	h.mu.Lock()
	delete(h.volumes, name)
	h.mu.Unlock()
	return nil
}

// HasContainer reports whether the sandbox currently has a live container.
func (h *hostRuntime) HasContainer(sandboxID string) bool {
	_, ok := h.container(sandboxID)
	return ok
}

// ContainerEnv returns a copy of the environment the container was created
// with.
func (h *hostRuntime) ContainerEnv(sandboxID string) map[string]string {
	c, ok := h.container(sandboxID)
	if !ok {
		return nil
	}
	env := make(map[string]string, len(c.spec.Env))
	for k, v := range c.spec.Env {
		env[k] = v
	}
	return env
}

// HostPath maps an absolute container path of the sandbox onto the host.
// Valid even after the container was removed, for post-mortem assertions.
func (h *hostRuntime) HostPath(sandboxID, containerPath string) string {
	c := &hostContainer{root: filepath.Join(h.base, sandboxID)}
	return c.hostPath(containerPath)
}

// ExecCalls returns how many times a command was executed across all
// sandboxes, keyed by argv[0].
func (h *hostRuntime) ExecCalls(command string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execCalls[command]
}
