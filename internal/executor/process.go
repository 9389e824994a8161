package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// stderrTail is how many trailing stderr lines are kept for error messages.
const stderrTail = 5

// Process runs a command per job. Parameters are written to the command's
// stdin and its stdout is taken as the JSON result. Each stderr line is
// forwarded to the run's LogSink.
type Process struct {
	Command []string
	Dir     string
	Env     map[string]string
}

// NewProcess parses a whitespace-separated command line into a Process.
func NewProcess(command string) (*Process, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("process executor: command is required")
	}
	return &Process{Command: fields}, nil
}

// Run implements Executor.
func (p *Process) Run(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	if len(p.Command) == 0 {
		return nil, errors.New("process executor: command is required")
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(parameters)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.Command[0], err)
	}

	// stderr must be drained before Wait closes the pipe.
	var tail lineTail
	streamLines(stderrPipe, LogSinkFrom(ctx), &tail)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", p.Command[0], ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s", p.Command[0], exitErr.ExitCode(), tail.String())
		}
		return nil, fmt.Errorf("%s: %w", p.Command[0], err)
	}

	return json.RawMessage(bytes.TrimSpace(stdout.Bytes())), nil
}

// streamLines reads lines from r and hands each to sink.
func streamLines(r io.Reader, sink LogSink, tail *lineTail) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		sink(line)
	}
}

type lineTail struct {
	lines []string
}

func (t *lineTail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTail {
		t.lines = t.lines[1:]
	}
}

func (t *lineTail) String() string {
	if len(t.lines) == 0 {
		return "no stderr output"
	}
	return strings.Join(t.lines, "; ")
}
