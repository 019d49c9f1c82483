// Package command runs external executables to completion, streaming their
// output through the logger.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/moolen/apptest/internal/logging"
)

// tailLines is how many trailing output lines an ExitError keeps.
const tailLines = 20

// Runner runs a command and returns an error unless it exits with status 0.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExitError is the ExternalProcessError kind: the command ran but failed.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// Dir is the working directory; empty means the current one
	Dir    string
	logger *logging.Logger
}

// NewExecRunner creates a runner executing in dir.
func NewExecRunner(dir string) *ExecRunner {
	return &ExecRunner{
		Dir:    dir,
		logger: logging.GetLogger("command"),
	}
}

// Run starts name with args, logs every output line as it arrives and waits
// for the process to exit.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	commandLine := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.logger.Info("running %s", logging.Highlight(commandLine))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir

	out := newLineWriter(r.logger.WithField("cmd", name))
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	out.Flush()
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	return &ExitError{
		Command:  commandLine,
		ExitCode: exitCode,
		Output:   out.Tail(),
		Err:      err,
	}
}

// lineWriter logs complete lines and remembers the last few of them.
type lineWriter struct {
	mu     sync.Mutex
	logger *logging.Logger
	buf    bytes.Buffer
	tail   []string
}

func newLineWriter(logger *logging.Logger) *lineWriter {
	return &lineWriter{logger: logger}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	w.logger.Info("%s", line)
	w.tail = append(w.tail, line)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
}

// Tail returns the remembered lines joined by newlines.
func (w *lineWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}
