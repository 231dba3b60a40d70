// ABOUTME: Launches the gateway as a child serving a loopback websocket, then dials it
// ABOUTME: Port and token are passed to the child by environment; frames are text messages

package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-bridge/internal/bridge"
)

// Environment variables read by the gateway in websocket mode.
const (
	EnvGatewayHost  = "COVEN_GATEWAY_HOST"
	EnvGatewayPort  = "COVEN_GATEWAY_PORT"
	EnvGatewayToken = "COVEN_GATEWAY_TOKEN"
)

const (
	defaultDialTimeout = 15 * time.Second
	dialRetryInterval  = 100 * time.Millisecond
	writeWait          = 10 * time.Second
)

// WebSocketLauncher runs the gateway command and connects to its websocket.
type WebSocketLauncher struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Host    string
	// Port 0 picks a free loopback port per launch.
	Port  int
	Path  string
	Token string
	// DialTimeout bounds how long the child has to open its listener.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

var _ bridge.Launcher = (*WebSocketLauncher)(nil)

func (l *WebSocketLauncher) Launch(ctx context.Context, env []string) (bridge.Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "process", "transport", "websocket")

	host := l.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := l.Port
	if port == 0 {
		var err error
		if port, err = pickFreePort(host); err != nil {
			return nil, fmt.Errorf("picking gateway port: %w", err)
		}
	}
	path := l.Path
	if path == "" {
		path = "/ws"
	}
	dialTimeout := l.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	extra := append([]string{
		EnvGatewayHost + "=" + host,
		EnvGatewayPort + "=" + strconv.Itoa(port),
	}, env...)
	if l.Token != "" {
		extra = append(extra, EnvGatewayToken+"="+l.Token)
	}

	spec := commandSpec{command: l.Command, args: l.Args, dir: l.Dir, env: l.Env}
	cmd, err := spec.build(extra)
	if err != nil {
		return nil, err
	}
	c, err := startChild(cmd, logger, func(stdout io.Reader) { logLines(stdout, logger, "stdout") })
	if err != nil {
		return nil, err
	}

	p := &wsProcess{
		child:    c,
		messages: make(chan []byte, messageBuffer),
		logger:   logger,
	}
	url := "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
	go p.connect(ctx, url, l.Token, dialTimeout)
	return p, nil
}

type wsProcess struct {
	*child

	wmu  sync.Mutex
	conn *websocket.Conn

	messages chan []byte
	logger   *slog.Logger
}

func (p *wsProcess) Messages() <-chan []byte { return p.messages }

// connect dials until the child accepts, then pumps inbound frames.
// messages is closed when the connection ends or dialing gives up.
func (p *wsProcess) connect(ctx context.Context, url, token string, timeout time.Duration) {
	defer close(p.messages)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}

	deadline := time.Now().Add(timeout)
	var conn *websocket.Conn
	for {
		var err error
		conn, _, err = dialer.DialContext(ctx, url, header)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			p.logger.Error("could not connect to gateway", "url", url, "error", err)
			return
		}
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(dialRetryInterval):
		}
	}

	p.wmu.Lock()
	p.conn = conn
	p.wmu.Unlock()
	p.logger.Info("connected to gateway", "url", url)

	go func() {
		<-p.done
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("gateway closed websocket")
			} else if !p.exited() {
				p.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		p.messages <- msg
	}
}

func (p *wsProcess) Send(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.conn == nil || p.exited() {
		return ErrClosed
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Terminate sends a close frame before signalling the child.
func (p *wsProcess) Terminate() error {
	p.wmu.Lock()
	if p.conn != nil {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
	}
	p.wmu.Unlock()
	return p.child.Terminate()
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
