package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/runtime"
)

// execOutputCap bounds each captured stream of an execute_command result.
const execOutputCap = 64 * 1024

// statFormat renders kind|size|mode|mtime|quoted-name-with-target.
const statFormat = "%F|%s|%a|%Y|%N"

// exec runs argv in the sandbox's container, mapping container absence to
// the canonical not-available failure.
func (e *Executor) exec(ctx context.Context, sandboxID string, argv []string, stdin io.Reader) (*runtime.ExecResult, error) {
	res, err := e.deps.Runtime.ExecCollect(ctx, sandboxID, argv, stdin)
	if err != nil {
		if errors.Is(err, runtime.ErrContainerNotFound) {
			return nil, models.ErrSandboxNotAvailable
		}
		return nil, models.NewError(models.ErrKindRuntime, "exec in sandbox %s: %v", sandboxID, err)
	}
	return res, nil
}

// absPath resolves a validated sandbox-relative path against the working
// directory.
func (e *Executor) absPath(rel string) string {
	return path.Join(e.deps.Sandbox.WorkingDir, rel)
}

// executeCommand runs a raw argv inside the container and captures both
// streams, capped.
func (e *Executor) executeCommand(ctx context.Context, req *models.Request) (any, error) {
	var p models.ExecuteCommandPayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if len(p.Command) == 0 {
		return nil, models.NewError(models.ErrKindRuntime, "execute_command payload missing command")
	}

	if err := e.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	workdir := e.deps.Sandbox.WorkingDir
	if p.Workdir != "" {
		if strings.HasPrefix(p.Workdir, "/") {
			workdir = path.Clean(p.Workdir)
		} else {
			if err := models.ValidateRelativePath(p.Workdir); err != nil {
				return nil, err
			}
			workdir = path.Join(e.deps.Sandbox.WorkingDir, p.Workdir)
		}
	}

	argv := append([]string{"env", "--chdir", workdir}, p.Command...)
	res, err := e.exec(ctx, req.SandboxID, argv, nil)
	if err != nil {
		return nil, err
	}

	e.touchActivity(ctx, req.SandboxID)
	return &models.ExecuteCommandResult{
		ExitCode: res.ExitCode,
		Stdout:   capOutput(res.Stdout),
		Stderr:   capOutput(res.Stderr),
	}, nil
}

func capOutput(b []byte) string {
	if len(b) > execOutputCap {
		return string(b[:execOutputCap])
	}
	return string(b)
}

// fileRead returns a file's content base64-encoded with a sniffed content
// type. Symlinks are followed; directories and oversized files are refused.
func (e *Executor) fileRead(ctx context.Context, req *models.Request) (any, error) {
	var p models.FilePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := models.ValidateRelativePath(p.Path); err != nil {
		return nil, err
	}
	if err := e.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	abs := e.absPath(p.Path)
	res, err := e.exec(ctx, req.SandboxID, []string{"stat", "-L", "-c", "%F|%s", abs}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, mapFileError(p.Path, res.Stderr, "stat")
	}

	parts := strings.SplitN(strings.TrimSpace(string(res.Stdout)), "|", 2)
	if len(parts) != 2 {
		return nil, models.NewError(models.ErrKindRuntime, "unexpected stat output for %s", p.Path)
	}
	switch fileKind(parts[0]) {
	case models.FileKindDir:
		return nil, models.NewError(models.ErrKindWrongKind, "%s is a directory", p.Path)
	case models.FileKindFile:
	default:
		return nil, models.NewError(models.ErrKindWrongKind, "%s is not a regular file", p.Path)
	}
	size, _ := strconv.ParseInt(parts[1], 10, 64)
	if size > models.MaxFileReadBytes {
		return nil, models.NewError(models.ErrKindTooLarge,
			"%s is %d bytes, read limit is %d", p.Path, size, models.MaxFileReadBytes)
	}

	res, err = e.exec(ctx, req.SandboxID, []string{"cat", abs}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, mapFileError(p.Path, res.Stderr, "read")
	}

	contentType := mime.TypeByExtension(path.Ext(p.Path))
	if contentType == "" {
		contentType = http.DetectContentType(res.Stdout)
	}

	e.touchActivity(ctx, req.SandboxID)
	return &models.FileReadResult{
		ContentBase64: base64.StdEncoding.EncodeToString(res.Stdout),
		ContentType:   contentType,
		Size:          int64(len(res.Stdout)),
	}, nil
}

// fileMetadata stats a single entry without following symlinks.
func (e *Executor) fileMetadata(ctx context.Context, req *models.Request) (any, error) {
	var p models.FilePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := models.ValidateRelativePath(p.Path); err != nil {
		return nil, err
	}
	if err := e.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	meta, err := e.statPath(ctx, req.SandboxID, p.Path)
	if err != nil {
		return nil, err
	}

	e.touchActivity(ctx, req.SandboxID)
	return meta, nil
}

// fileList returns one directory level, sorted case-insensitively by name,
// paginated by offset/limit.
func (e *Executor) fileList(ctx context.Context, req *models.Request) (any, error) {
	var p models.FilePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := models.ValidateRelativePath(p.Path); err != nil {
		return nil, err
	}
	if err := e.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = models.FileListDefaultLimit
	}
	if limit > models.FileListMaxLimit {
		limit = models.FileListMaxLimit
	}
	offset := max(p.Offset, 0)

	abs := e.absPath(p.Path)
	res, err := e.exec(ctx, req.SandboxID, []string{"stat", "-c", "%F", abs}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, mapFileError(p.Path, res.Stderr, "stat")
	}
	if fileKind(strings.TrimSpace(string(res.Stdout))) != models.FileKindDir {
		return nil, models.NewError(models.ErrKindWrongKind, "%s is not a directory", p.Path)
	}

	res, err = e.exec(ctx, req.SandboxID, []string{
		"find", abs, "-maxdepth", "1", "-mindepth", "1",
		"-printf", `%f|%y|%s|%m|%T@\n`,
	}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, mapFileError(p.Path, res.Stderr, "list")
	}

	entries := parseFindOutput(string(res.Stdout))
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a == b {
			return entries[i].Name < entries[j].Name
		}
		return a < b
	})

	total := len(entries)
	page := entries[min(offset, total):min(offset+limit, total)]

	e.touchActivity(ctx, req.SandboxID)
	return &models.FileListResult{
		Entries:    page,
		NextOffset: offset + len(page),
		Total:      total,
	}, nil
}

// fileDelete removes a single regular file or symlink.
func (e *Executor) fileDelete(ctx context.Context, req *models.Request) (any, error) {
	var p models.FilePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := models.ValidateRelativePath(p.Path); err != nil {
		return nil, err
	}
	if err := e.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	meta, err := e.statPath(ctx, req.SandboxID, p.Path)
	if err != nil {
		return nil, err
	}
	if meta.Kind == models.FileKindDir {
		return nil, models.NewError(models.ErrKindWrongKind, "%s is a directory", p.Path)
	}

	res, err := e.exec(ctx, req.SandboxID, []string{"rm", "-f", "--", e.absPath(p.Path)}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, mapFileError(p.Path, res.Stderr, "delete")
	}

	e.touchActivity(ctx, req.SandboxID)
	return &models.FileDeleteResult{Deleted: true}, nil
}

// statPath stats one path (no symlink following) and parses the result.
func (e *Executor) statPath(ctx context.Context, sandboxID, relPath string) (*models.FileMetadataResult, error) {
	res, err := e.exec(ctx, sandboxID, []string{"stat", "-c", statFormat, e.absPath(relPath)}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, mapFileError(relPath, res.Stderr, "stat")
	}
	return parseStatLine(strings.TrimSpace(string(res.Stdout)), relPath)
}

func parseStatLine(line, relPath string) (*models.FileMetadataResult, error) {
	parts := strings.SplitN(line, "|", 5)
	if len(parts) != 5 {
		return nil, models.NewError(models.ErrKindRuntime, "unexpected stat output for %s: %q", relPath, line)
	}
	size, _ := strconv.ParseInt(parts[1], 10, 64)
	mtime, _ := strconv.ParseInt(parts[3], 10, 64)
	meta := &models.FileMetadataResult{
		Kind:  fileKind(parts[0]),
		Size:  size,
		Mode:  parts[2],
		Mtime: mtime,
	}
	if meta.Kind == models.FileKindSymlink {
		meta.LinkTarget = parseLinkTarget(parts[4])
	}
	return meta, nil
}

// fileKind maps stat's %F rendering onto the entry kinds.
func fileKind(statType string) string {
	switch statType {
	case "directory":
		return models.FileKindDir
	case "symbolic link":
		return models.FileKindSymlink
	default:
		return models.FileKindFile
	}
}

// parseLinkTarget extracts the target from stat's quoted %N rendering,
// e.g. 'link' -> 'target'.
func parseLinkTarget(quoted string) string {
	_, after, ok := strings.Cut(quoted, " -> ")
	if !ok {
		return ""
	}
	return strings.Trim(after, "'")
}

// parseFindOutput parses the printf lines of a one-level find. Lines that do
// not match the format (names containing the separator or newlines) are
// skipped.
func parseFindOutput(out string) []models.FileEntry {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	entries := make([]models.FileEntry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) != 5 {
			continue
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		secs, _, _ := strings.Cut(parts[4], ".")
		mtime, err := strconv.ParseInt(secs, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, models.FileEntry{
			Name:  parts[0],
			Kind:  findKind(parts[1]),
			Size:  size,
			Mode:  parts[3],
			Mtime: mtime,
		})
	}
	return entries
}

// findKind maps find's %y type letter onto the entry kinds.
func findKind(letter string) string {
	switch letter {
	case "d":
		return models.FileKindDir
	case "l":
		return models.FileKindSymlink
	default:
		return models.FileKindFile
	}
}

// mapFileError classifies a failed file command by its stderr.
func mapFileError(relPath string, stderr []byte, op string) error {
	msg := strings.TrimSpace(string(stderr))
	switch {
	case strings.Contains(msg, "No such file or directory"):
		return models.NewError(models.ErrKindNotFound, "%s: no such file or directory", relPath)
	case strings.Contains(msg, "Permission denied"):
		return models.NewError(models.ErrKindRuntime, "%s: permission denied", relPath)
	default:
		return models.NewError(models.ErrKindRuntime, "%s %s: %s", op, relPath, msg)
	}
}
