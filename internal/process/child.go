// ABOUTME: Shared child-process plumbing for gateway launchers
// ABOUTME: Starts the command, forwards stderr to the logger, tracks exit status

package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stderrTailSize is how much recent stderr is kept for diagnostics.
const stderrTailSize = 4096

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// child wraps a started command. done is closed once cmd.Wait has returned
// and the output readers have finished or been cut off.
type child struct {
	cmd    *exec.Cmd
	pid    int
	stderr *tailBuffer
	done   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	exitCode int
	err      error
}

// commandSpec describes how to run the gateway binary.
type commandSpec struct {
	command string
	args    []string
	dir     string
	env     []string
}

func (s commandSpec) build(extra []string) (*exec.Cmd, error) {
	if s.command == "" {
		return nil, errors.New("gateway command is empty")
	}
	// Not CommandContext: the gateway outlives the request that started it.
	cmd := exec.Command(s.command, s.args...)
	cmd.Dir = s.dir
	cmd.Env = append(append(os.Environ(), s.env...), extra...)
	return cmd, nil
}

// pipeDrainTimeout bounds how long output is read after the gateway exits.
// A descendant that inherited stdout or stderr can hold them open
// indefinitely, so the read ends are closed once it elapses.
const pipeDrainTimeout = time.Second

// startChild starts cmd with stdout handed to onStdout. Exit is detected by
// cmd.Wait alone; output pipes are created here so Wait never blocks on them.
func startChild(cmd *exec.Cmd, logger *slog.Logger, onStdout func(io.Reader)) (*child, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	_ = outW.Close()
	_ = errW.Close()

	c := &child{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stderr: &tailBuffer{max: stderrTailSize},
		done:   make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid),
	}
	c.logger.Info("gateway process started", "path", cmd.Path)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pumpStderr(errR)
	}()
	go func() {
		defer wg.Done()
		onStdout(outR)
	}()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	go func() {
		werr := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}

		c.mu.Lock()
		c.exitCode = code
		var exitErr *exec.ExitError
		if werr != nil && !errors.As(werr, &exitErr) {
			c.err = werr
		}
		c.mu.Unlock()

		timer := time.NewTimer(pipeDrainTimeout)
		select {
		case <-drained:
			timer.Stop()
		case <-timer.C:
			c.logger.Warn("gateway output still open after exit, closing it", "timeout", pipeDrainTimeout)
			_ = outR.Close()
			_ = errR.Close()
			<-drained
		}
		_ = outR.Close()
		_ = errR.Close()

		c.logger.Info("gateway process exited", "exit_code", code)
		close(c.done)
	}()

	return c, nil
}

func (c *child) pumpStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		_, _ = c.stderr.Write([]byte(line + "\n"))
		c.logger.Debug(line, "stream", "stderr")
	}
}

// logLines forwards each line of r to the debug log.
func logLines(r io.Reader, logger *slog.Logger, stream string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Debug(sc.Text(), "stream", stream)
	}
	_, _ = io.Copy(io.Discard, r)
}

func (c *child) PID() int             { return c.pid }
func (c *child) Done() <-chan struct{} { return c.done }
func (c *child) StderrTail() string    { return c.stderr.String() }

func (c *child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *child) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM, falling back to kill where signals are unsupported.
func (c *child) Terminate() error {
	if c.exited() {
		return nil
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		c.logger.Debug("SIGTERM failed, killing", "error", err)
		return c.Kill()
	}
	return nil
}

func (c *child) Kill() error {
	if c.exited() {
		return nil
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
