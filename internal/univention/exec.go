package univention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-cmd/cmd"
)

// maxOutputBytes is the maximum number of bytes captured per command output stream.
const maxOutputBytes = 1 << 20 // 1 MiB

const truncatedMarker = "\n[output truncated]"

// Output is the captured result of one univention-app invocation.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status 0.
func (o *Output) Success() bool {
	return o != nil && o.ExitCode == 0
}

// OutputCallback is called for each line of output during streaming execution.
// streamType: 1 = stdout, 2 = stderr
type OutputCallback func(streamType int, line string)

// limitWriter wraps a bytes.Buffer and stops writing after limit bytes.
// It silently discards excess data to avoid failing the underlying command.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
	n     int
	over  bool
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.n
	if remaining <= 0 {
		if len(p) > 0 {
			lw.over = true
		}
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
		lw.over = true
	}
	n, err := lw.buf.Write(toWrite)
	lw.n += n
	return len(p), err // report full write to avoid cmd failure
}

func (lw *limitWriter) String() string {
	if lw.over {
		return lw.buf.String() + truncatedMarker
	}
	return lw.buf.String()
}

// runCommand executes c and returns its capped output. A non-zero exit status
// is reported both in Output.ExitCode and as an *exec.ExitError.
func runCommand(c *exec.Cmd) (*Output, error) {
	stdout := &limitWriter{buf: &bytes.Buffer{}, limit: maxOutputBytes}
	stderr := &limitWriter{buf: &bytes.Buffer{}, limit: maxOutputBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	err := c.Run()

	output := &Output{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if c.ProcessState != nil {
		output.ExitCode = c.ProcessState.ExitCode()
	}

	return output, err
}

// runCommandStreaming executes a command with line-by-line output delivered to
// callback while it runs, using go-cmd/cmd. The returned error is only set when
// the process could not be started or was stopped by ctx; a non-zero exit is
// reported through Output.ExitCode.
func runCommandStreaming(ctx context.Context, name string, args []string, callback OutputCallback) (*Output, error) {
	c := cmd.NewCmdOptions(cmd.Options{
		Buffered:  false,
		Streaming: true,
	}, name, args...)

	statusChan := c.Start()

	stdout := &limitWriter{buf: &bytes.Buffer{}, limit: maxOutputBytes}
	stderr := &limitWriter{buf: &bytes.Buffer{}, limit: maxOutputBytes}

	emit := func(streamType int, w *limitWriter, line string) {
		w.Write([]byte(line + "\n"))
		if callback != nil {
			callback(streamType, line)
		}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(done)
		stdoutCh, stderrCh := c.Stdout, c.Stderr
		cancelled := ctx.Done()
		for {
			select {
			case line, ok := <-stdoutCh:
				if !ok {
					stdoutCh = nil
					continue
				}
				emit(1, stdout, line)
			case line, ok := <-stderrCh:
				if !ok {
					stderrCh = nil
					continue
				}
				emit(2, stderr, line)
			case <-cancelled:
				c.Stop()
				cancelled = nil
			case <-finished:
				// go-cmd flushes both streams before publishing the final status.
				drainLines(stdoutCh, func(line string) { emit(1, stdout, line) })
				drainLines(stderrCh, func(line string) { emit(2, stderr, line) })
				return
			}
		}
	}()

	status := <-statusChan
	close(finished)
	<-done

	output := &Output{
		ExitCode: status.Exit,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err := ctx.Err(); err != nil {
		return output, fmt.Errorf("%s interrupted: %w", name, err)
	}
	if status.Error != nil {
		return output, status.Error
	}
	return output, nil
}

// drainLines consumes whatever is buffered in ch without blocking.
func drainLines(ch <-chan string, fn func(string)) {
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			fn(line)
		default:
			return
		}
	}
}

// exitStatusOnly drops *exec.ExitError from err: the exit status is already in
// the Output and callers decide what a non-zero status means.
func exitStatusOnly(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// formatCmdError formats a command error with stderr output for better diagnostics.
func formatCmdError(err error, output *Output) string {
	if output != nil && output.Stderr != "" {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(output.Stderr))
	}
	return err.Error()
}
