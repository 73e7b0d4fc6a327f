package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
)

// runBashMaxInline is the largest command output returned inline. Anything
// longer is spilled to a log file and replaced by a preview.
const runBashMaxInline = 10_000

// runBashPreview is the size of the inline preview for spilled output.
const runBashPreview = 8_000

type runBash struct {
	workingDir string
	envDir     string
	logSeq     atomic.Int64
}

func newRunBash(workingDir, envDir string) *runBash {
	return &runBash{workingDir: workingDir, envDir: envDir}
}

func (t *runBash) Name() string { return "run_bash" }

func (t *runBash) Description() string {
	return "Run a bash command line inside the sandbox. Environment files (*.env) from the environment directory are sourced first. Long output is spilled to a log file and a preview is returned."
}

func (t *runBash) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"exec_dir": {"type": "string", "description": "Directory to run in, relative to the working directory. Empty means the working directory itself."},
			"commands": {"type": "string", "description": "The bash command line to run."},
			"commentary": {"type": "string", "description": "What you are doing, as a present-participle phrase."}
		},
		"required": ["commands", "commentary"]
	}`)
}

type runBashArgs struct {
	ExecDir    string `json:"exec_dir"`
	Commands   string `json:"commands"`
	Commentary string `json:"commentary"`
}

func (t *runBash) Execute(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args runBashArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.Commands == "" {
		return nil, fmt.Errorf("commands must not be empty")
	}

	dir := t.workingDir
	if args.ExecDir != "" {
		resolved, err := resolvePath(t.workingDir, args.ExecDir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	script := t.buildScript(args.Commands)
	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	cmd.Dir = dir

	out, runErr := cmd.CombinedOutput()
	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	fields := map[string]any{"exit_code": exitCode}

	if len(out) > runBashMaxInline {
		logPath, err := t.spill(out)
		if err != nil {
			fields["output"] = string(out[:runBashPreview])
			fields["truncated"] = true
		} else {
			fields["output"] = fmt.Sprintf("%s\n... [output truncated; full output in %s]", out[:runBashPreview], logPath)
			fields["truncated"] = true
			fields["log_file"] = logPath
		}
	} else {
		fields["output"] = string(out)
	}

	if exitCode != 0 {
		return fields, fmt.Errorf("command exited with status %d", exitCode)
	}
	return fields, nil
}

// buildScript prefixes the command with auto-sourcing of every *.env file in
// the environment directory. set -a exports everything they define.
func (t *runBash) buildScript(commands string) string {
	if t.envDir == "" {
		return commands
	}
	return fmt.Sprintf(`set -a
for f in %q/*.env; do [ -f "$f" ] && . "$f"; done
set +a
%s`, t.envDir, commands)
}

// spill writes the full output to a numbered log under the environment
// directory and returns its path.
func (t *runBash) spill(out []byte) (string, error) {
	logDir := filepath.Join(t.envDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	seq := t.logSeq.Add(1)
	logPath := filepath.Join(logDir, fmt.Sprintf("run_bash-%04d.log", seq))
	if err := os.WriteFile(logPath, out, 0o644); err != nil {
		return "", err
	}
	return logPath, nil
}
