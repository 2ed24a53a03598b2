// Package engine provides the execution engine adapters.
// This file implements the production engine: the claude CLI run as a
// subprocess in stream-json mode, with its output converted line by line
// into the closed domain.EngineMessage set.
//
// Architecture:
//
//	Claude.Run(req)
//	  → starts `claude -p --output-format stream-json --verbose ...`
//	  → writes the prompt to stdin
//	  → scans stdout, ParseLine() each line, sends converted messages
//	  → on exit without a result line, sends TerminalFailure with stderr tail
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/domain"
)

// ClaudeConfig configures the claude CLI engine.
type ClaudeConfig struct {
	Binary   string            // executable name or path (default "claude")
	Model    string            // controller model; empty uses the CLI default
	MaxTurns int               // 0 = unlimited
	Timeout  time.Duration     // 0 = bounded only by the caller's context
	Env      map[string]string // extra environment variables
}

// Claude runs reviews through the claude CLI.
type Claude struct {
	cfg ClaudeConfig
}

// NewClaude creates the subprocess engine.
func NewClaude(cfg ClaudeConfig) *Claude {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "claude"
	}
	return &Claude{cfg: cfg}
}

// Binary returns the resolved executable path, or ErrEngineUnavailable.
func (c *Claude) Binary() (string, error) {
	path, err := exec.LookPath(c.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrEngineUnavailable, c.cfg.Binary)
	}
	return path, nil
}

// Args builds the CLI arguments for req. The prompt itself goes to stdin.
func (c *Claude) Args(req domain.EngineRequest) ([]string, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if c.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.cfg.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if len(req.Agents) > 0 {
		agents, err := json.Marshal(req.Agents)
		if err != nil {
			return nil, fmt.Errorf("encode agents: %w", err)
		}
		args = append(args, "--agents", string(agents))
	}
	for _, dir := range req.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	args = append(args, "--allowedTools", "Task,Read,Grep,Glob")
	return args, nil
}

// Run starts the subprocess and streams converted messages. The returned
// channel is closed after the terminal message.
func (c *Claude) Run(ctx context.Context, req domain.EngineRequest) (<-chan domain.EngineMessage, error) {
	bin, err := c.Binary()
	if err != nil {
		return nil, err
	}
	args, err := c.Args(req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	if len(c.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	configureProcess(cmd)

	// Capture stderr tail for error diagnostics
	stderrBuf := &limitedBuffer{max: 8192}
	cmd.Stderr = stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", c.cfg.Binary, err)
	}
	log.Info().Str("component", "engine").Str("job", req.JobID).Int("pid", cmd.Process.Pid).Msg("claude started")

	out := make(chan domain.EngineMessage, 64)
	go func() {
		defer close(out)
		defer cancel()

		// Sends give up only when the caller goes away. A run that hit its
		// own timeout still delivers the synthesized failure.
		send := func(m domain.EngineMessage) bool {
			select {
			case out <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}

		terminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			msgs, err := ParseLine(scanner.Bytes())
			if err != nil {
				log.Debug().Str("component", "engine").Str("job", req.JobID).Err(err).Msg("skipping malformed line")
				continue
			}
			for _, m := range msgs {
				switch m.(type) {
				case domain.TerminalSuccess, domain.TerminalFailure:
					terminal = true
				}
				if !send(m) {
					_ = cmd.Wait()
					return
				}
			}
		}
		scanErr := scanner.Err()
		waitErr := cmd.Wait()

		if terminal {
			return
		}
		failure := domain.TerminalFailure{Reason: "no_result", Message: domain.ErrEngineNoResult.Error()}
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			failure = domain.TerminalFailure{Reason: "timeout", Message: fmt.Sprintf("engine timed out after %s", c.cfg.Timeout)}
		case scanErr != nil:
			failure.Message = fmt.Sprintf("%s: %v", failure.Message, scanErr)
		case waitErr != nil:
			failure.Message = fmt.Sprintf("%s: %v", failure.Message, waitErr)
		}
		if tail := strings.TrimSpace(stderrBuf.String()); tail != "" {
			failure.Message += "\n" + tail
		}
		send(failure)
	}()
	return out, nil
}

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		tail := make([]byte, b.max)
		copy(tail, data[len(data)-b.max:])
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
