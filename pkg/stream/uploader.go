package stream

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// UploadSink receives the chunk bytes of one transfer. Write may
// back-pressure; Close signals end of stream; Wait blocks until the
// underlying upload finished and reports its outcome. Abort tears the
// sink down mid-transfer.
type UploadSink interface {
	io.WriteCloser
	Wait() error
	Abort()
}

// SinkFactory opens a sink for a task's transfer.
type SinkFactory interface {
	NewSink(ctx context.Context, taskID string, meta Metadata) (UploadSink, error)
}

// ===========================================================================
// Subprocess sink
// ===========================================================================

// ExecSinkConfig configures the subprocess uploader.
type ExecSinkConfig struct {
	// Command is the uploader binary (e.g. rclone).
	Command string

	// ArgsTemplate builds the argument list for a transfer; occurrences
	// of {name} are replaced with the remote file name.
	// Example: ["rcat", "remote:bucket/{name}"].
	ArgsTemplate []string
}

// ExecSinkFactory streams transfers into an external uploader process
// via stdin.
type ExecSinkFactory struct {
	cfg ExecSinkConfig
}

// NewExecSinkFactory creates the subprocess sink factory.
func NewExecSinkFactory(cfg ExecSinkConfig) (*ExecSinkFactory, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stream: uploader command is required")
	}
	return &ExecSinkFactory{cfg: cfg}, nil
}

// NewSink starts the uploader subprocess for one transfer.
func (f *ExecSinkFactory) NewSink(ctx context.Context, taskID string, meta Metadata) (UploadSink, error) {
	args := make([]string, len(f.cfg.ArgsTemplate))
	for i, a := range f.cfg.ArgsTemplate {
		args[i] = strings.ReplaceAll(a, "{name}", meta.FileName)
	}

	cmd := exec.CommandContext(ctx, f.cfg.Command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stream: uploader stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stream: uploader stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stream: uploader start: %w", err)
	}

	sink := &execSink{taskID: taskID, cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go sink.wait(stderr)
	return sink, nil
}

type execSink struct {
	taskID string
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	closeOnce  sync.Once
	done       chan struct{}
	exitErr    error
	stderrTail string
}

func (s *execSink) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *execSink) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.stdin.Close() })
	return err
}

// Wait blocks until the subprocess exits. A non-zero exit carries the
// stderr tail in the error.
func (s *execSink) Wait() error {
	<-s.done
	if s.exitErr != nil {
		if s.stderrTail != "" {
			return fmt.Errorf("uploader exited: %w: %s", s.exitErr, s.stderrTail)
		}
		return fmt.Errorf("uploader exited: %w", s.exitErr)
	}
	return nil
}

// Abort kills the subprocess. Used in teardown paths.
func (s *execSink) Abort() {
	_ = s.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
}

// wait drains stderr to EOF, then reaps the subprocess. The pipe must
// be read to completion before cmd.Wait closes it, and both writes
// happen before the done channel closes, so Wait's reads are ordered.
func (s *execSink) wait(stderr io.Reader) {
	s.stderrTail = drainTail(stderr)
	s.exitErr = s.cmd.Wait()
	if s.exitErr != nil {
		logger.Warn("upload subprocess failed",
			logger.KeyTaskID, s.taskID, logger.KeyError, s.exitErr.Error())
	}
	close(s.done)
}

// drainTail reads r to EOF keeping a bounded tail for error reporting.
func drainTail(r io.Reader) string {
	buf := make([]byte, 2048)
	var tail []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)
			if len(tail) > 2048 {
				tail = tail[len(tail)-2048:]
			}
		}
		if err != nil {
			return strings.TrimSpace(string(tail))
		}
	}
}
