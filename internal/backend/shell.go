package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 10 * time.Minute
	maxShellOutput      = 64 * 1024
)

// Executor runs one shell command line. env entries are KEY=VALUE.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string, env []string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally through sh -c.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string, env []string) (string, string, int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = workDir
	if len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	exitCode := 0
	var err error
	if runErr := c.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList contains commands a worker never runs, whatever the caller asks.
var denyList = map[string]struct{}{
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"sudo":     {},
	"su":       {},
}

// ShellInput is the shell.exec payload.
type ShellInput struct {
	Command    string            `json:"command"`
	WorkingDir string            `json:"workingDir,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ShellOutput is the shell.exec result output.
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

type Shell struct {
	exec    Executor
	workDir string
}

// NewShell wraps an executor. A nil executor runs on the host.
func NewShell(executor Executor, workDir string) *Shell {
	if executor == nil {
		executor = HostExecutor{}
	}
	return &Shell{exec: executor, workDir: workDir}
}

// Execute runs the command. Secrets are exported to the command environment
// and redacted from its output. A non-zero exit is a failure with output.
func (s *Shell) Execute(ctx context.Context, job Job, emit Emit) (json.RawMessage, error) {
	var in ShellInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode shell input: %w", err)
	}
	if err := checkCommand(in.Command); err != nil {
		return nil, err
	}

	timeout := defaultShellTimeout
	if in.TimeoutSec > 0 {
		timeout = min(time.Duration(in.TimeoutSec)*time.Second, maxShellTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := in.WorkingDir
	if workDir == "" {
		workDir = s.workDir
	}
	emit(protocol.ExecuteEvent{Type: "shell.started", Level: protocol.LevelInfo, Data: eventData(map[string]string{"command": shared.Redact(in.Command)})})

	stdout, stderr, exitCode, err := s.exec.Exec(ctx, in.Command, workDir, buildEnv(in.Env, job.Secrets))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, fmt.Errorf("exec: %w", err)
	}

	out := ShellOutput{
		Stdout:   redactSecrets(shared.Redact(truncateOutput(stdout, maxShellOutput)), job.Secrets),
		Stderr:   redactSecrets(shared.Redact(truncateOutput(stderr, maxShellOutput)), job.Secrets),
		ExitCode: exitCode,
	}
	emit(protocol.ExecuteEvent{Type: "shell.exited", Level: protocol.LevelInfo, Data: eventData(map[string]int{"exitCode": exitCode})})

	raw, mErr := json.Marshal(out)
	if mErr != nil {
		return nil, mErr
	}
	if exitCode != 0 {
		return raw, fmt.Errorf("exit status %d", exitCode)
	}
	return raw, nil
}

func checkCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return errors.New("empty command")
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func buildEnv(env, secrets map[string]string) []string {
	out := make([]string, 0, len(env)+len(secrets))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	for k, v := range secrets {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func redactSecrets(s string, secrets map[string]string) string {
	for _, v := range secrets {
		if len(v) >= 4 {
			s = strings.ReplaceAll(s, v, "[REDACTED]")
		}
	}
	return s
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command line at pipe and logical operators
// so every segment is checked against the deny list.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|", ";"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
