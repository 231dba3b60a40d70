// ABOUTME: Launches the gateway as a child speaking newline-delimited JSON on stdio
// ABOUTME: One frame per line in each direction; stdout EOF closes the message stream

package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/2389/coven-bridge/internal/bridge"
)

const (
	maxFrameSize  = 4 * 1024 * 1024
	messageBuffer = 64
)

// ErrClosed is returned by Send after the process has exited.
var ErrClosed = errors.New("gateway channel closed")

// ExecLauncher runs the gateway command with stdin/stdout as the frame channel.
type ExecLauncher struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

var _ bridge.Launcher = (*ExecLauncher)(nil)

// Launch starts the gateway. env is appended to the inherited environment.
func (l *ExecLauncher) Launch(_ context.Context, env []string) (bridge.Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "process", "transport", "stdio")

	spec := commandSpec{command: l.Command, args: l.Args, dir: l.Dir, env: l.Env}
	cmd, err := spec.build(env)
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	p := &stdioProcess{
		stdin:    stdin,
		messages: make(chan []byte, messageBuffer),
	}
	c, err := startChild(cmd, logger, func(stdout io.Reader) { p.readFrames(stdout, logger) })
	if err != nil {
		return nil, err
	}
	p.child = c
	return p, nil
}

type stdioProcess struct {
	*child

	wmu      sync.Mutex
	stdin    io.WriteCloser
	messages chan []byte
}

func (p *stdioProcess) Messages() <-chan []byte { return p.messages }

func (p *stdioProcess) Send(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.exited() {
		return ErrClosed
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Terminate closes stdin before signalling so a well-behaved gateway can
// exit on EOF alone.
func (p *stdioProcess) Terminate() error {
	p.wmu.Lock()
	_ = p.stdin.Close()
	p.wmu.Unlock()
	return p.child.Terminate()
}

func (p *stdioProcess) readFrames(r io.Reader, logger *slog.Logger) {
	defer close(p.messages)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		p.messages <- bytes.Clone(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("reading gateway stdout", "error", err)
		// Drain so the child does not block on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}
