package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MpyCross runs a local mpy-cross binary.
type MpyCross struct {
	Path     string        // binary name or path; defaults to "mpy-cross"
	Args     []string      // extra flags placed before -o
	Timeout  time.Duration // defaults to 30s
	Filename string        // defaults to DefaultFilename
}

func (m MpyCross) Compile(ctx context.Context, source string) ([]byte, error) {
	path := m.Path
	if path == "" {
		path = "mpy-cross"
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := m.Filename
	if name == "" {
		name = DefaultFilename
	}

	dir, err := os.MkdirTemp("", "hublink-compile-")
	if err != nil {
		return nil, fmt.Errorf("compiler: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, name)
	out := filepath.Join(dir, strings.TrimSuffix(name, ".py")+".mpy")
	if err := os.WriteFile(src, []byte(source), 0o600); err != nil {
		return nil, fmt.Errorf("compiler: write source: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, m.Args...), "-o", out, src)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	slog.Debug("[COMPILE] running mpy-cross", "path", path, "bytes", len(source))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrCompilerMissing, path)
		case errors.As(err, &exitErr):
			// Tracebacks mention the temp path; show the bare file name.
			msg := strings.ReplaceAll(strings.TrimSpace(stderr.String()), src, name)
			if msg == "" {
				msg = exitErr.Error()
			}
			return nil, newCompileError(msg)
		default:
			return nil, fmt.Errorf("compiler: run %s: %w", path, err)
		}
	}

	program, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("compiler: read output: %w", err)
	}
	slog.Debug("[COMPILE] compiled", "bytes", len(program))
	return program, nil
}
