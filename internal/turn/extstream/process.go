package extstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Process wraps a running external CLI agent. Stdout carries the NDJSON
// event stream, stdin accepts NDJSON commands, stderr is logged.
type Process struct {
	log *slog.Logger

	closeOnce sync.Once

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	scanner *bufio.Scanner
	enc     *json.Encoder
}

func StartProcess(ctx context.Context, log *slog.Logger, bin string, args []string, env []string) (*Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	bin = strings.TrimSpace(bin)
	if bin == "" {
		return nil, errors.New("missing external agent binary")
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	// Diagnostics arrive on stderr only; the event stream owns stdout.
	go func() {
		r := bufio.NewScanner(stderr)
		for r.Scan() {
			line := strings.TrimSpace(r.Text())
			if line == "" {
				continue
			}
			log.Debug("external agent", "component", "ext_stream", "line", line)
		}
		if err := r.Err(); err != nil {
			log.Warn("external agent stderr scan failed", "component", "ext_stream", "error", err)
		}
	}()

	sc := bufio.NewScanner(stdout)
	// Allow reasonably large frames (aggregated command output, images).
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)

	return &Process{
		log:     log,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		scanner: sc,
		enc:     enc,
	}, nil
}

// Send writes one NDJSON command to the process.
func (p *Process) Send(v any) error {
	if p == nil || p.enc == nil {
		return errors.New("external agent not ready")
	}
	return p.enc.Encode(v)
}

// Pump reads stdout frames until EOF or cancellation, feeding each to the
// mapper. A clean EOF returns nil.
func (p *Process) Pump(ctx context.Context, mapper *Mapper) error {
	if p == nil || p.scanner == nil {
		return errors.New("external agent not ready")
	}
	for p.scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mapper.HandleLine(p.scanner.Bytes())
	}
	if err := p.scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (p *Process) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.stderr != nil {
			_ = p.stderr.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_, _ = p.cmd.Process.Wait()
		}
	})
}
