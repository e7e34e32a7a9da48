package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

// commandRunner runs allowlisted binaries without a shell.
type commandRunner struct {
	allowed   map[string]bool
	workDir   string
	maxOutput int
}

func newCommandRunner(cfg config.ExecutorConfig) *commandRunner {
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[c] = true
	}
	return &commandRunner{allowed: allowed, workDir: cfg.WorkDir, maxOutput: cfg.MaxOutputBytes}
}

func (r *commandRunner) run(ctx context.Context, payload protocol.CommandPayload) (Result, error) {
	if payload.Command == "" {
		return Result{}, fmt.Errorf("%w: command is required", ErrBadParameters)
	}
	if !r.allowed[payload.Command] {
		return Result{}, fmt.Errorf("%w: %s", ErrCommandNotAllowed, payload.Command)
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	out := &limitedBuffer{max: r.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := Result{Output: out.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case ctx.Err() != nil:
		return res, fmt.Errorf("command interrupted: %w", ctx.Err())
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("exit status %d", res.ExitCode)
		}
		return res, fmt.Errorf("run %s: %w", payload.Command, err)
	}
	res.Success = true
	return res, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
