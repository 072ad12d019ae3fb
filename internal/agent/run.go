package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"arbor/internal/logging"
	"arbor/internal/stream"
)

// scannerBuffer bounds one stdout line. Tool results carrying file
// contents can run long.
const scannerBuffer = 10 * 1024 * 1024

// SpawnError reports a process that could not start or exited
// abnormally, keeping the stderr tail for diagnostics.
type SpawnError struct {
	Err    error
	Stderr string
}

func (e *SpawnError) Error() string {
	if e.Stderr == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Stderr
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Run spawns the CLI process, feeds its stdout through the stream
// parser, and resolves exactly once. Every terminal path emits exactly
// one done event (preceded by a synthetic error event on failure) and
// releases the scratch directory. Cancelling ctx kills the process; the
// done event still fires.
func (inv *Invocation) Run(ctx context.Context, onEvent func(stream.Event)) error {
	defer inv.Release()
	defer onEvent(stream.Done())

	inv.setState(StateRunning)

	if inv.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.opts.Timeout)
		defer cancel()
	}

	systemPrompt, err := os.ReadFile(inv.systemPromptPath)
	if err != nil {
		inv.setState(StateErrored)
		onEvent(stream.Errorf("failed to read system prompt: %v", err))
		return fmt.Errorf("failed to read system prompt: %w", err)
	}

	args := []string{
		"-p", inv.opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--mcp-config", inv.mcpConfigPath,
		"--append-system-prompt", string(systemPrompt),
	}
	if inv.opts.Model != "" {
		args = append(args, "--model", inv.opts.Model)
	}
	if len(inv.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.opts.AllowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, inv.opts.Binary, args...)
	cmd.Dir = inv.scratchDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		inv.setState(StateErrored)
		onEvent(stream.Errorf("failed to open agent stdout: %v", err))
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		inv.setState(StateErrored)
		spawnErr := &SpawnError{Err: fmt.Errorf("failed to start agent process: %w", err)}
		onEvent(stream.Errorf("%s", spawnErr.Error()))
		return spawnErr
	}
	inv.log.Info("invocation %s running: %s (pid %d)", inv.id, inv.opts.Binary, cmd.Process.Pid)

	streamLog := logging.Get(logging.CategoryStream)
	parser := stream.NewParser(onEvent)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scannerBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		streamLog.Raw(line)
		parser.Feed(line)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	// Cancellation is not a process failure: the caller asked for the
	// kill, so no synthetic error precedes the done event.
	if ctx.Err() != nil {
		inv.setState(StateClosed)
		inv.log.Info("invocation %s cancelled: %v", inv.id, ctx.Err())
		return ctx.Err()
	}

	if waitErr != nil {
		inv.setState(StateErrored)
		spawnErr := &SpawnError{
			Err:    fmt.Errorf("agent process exited abnormally: %w", waitErr),
			Stderr: stderrTail(stderr.String()),
		}
		inv.log.Error("invocation %s failed: %s", inv.id, spawnErr.Error())
		onEvent(stream.Errorf("%s", spawnErr.Error()))
		return spawnErr
	}
	if scanErr != nil {
		inv.setState(StateErrored)
		inv.log.Error("invocation %s stdout read failed: %v", inv.id, scanErr)
		onEvent(stream.Errorf("failed to read agent output: %v", scanErr))
		return fmt.Errorf("failed to read agent output: %w", scanErr)
	}

	inv.setState(StateClosed)
	inv.log.Info("invocation %s completed", inv.id)
	return nil
}

// stderrTail keeps diagnostics short: the last few lines are where the
// CLI prints its actual failure reason.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
