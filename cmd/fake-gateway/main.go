// ABOUTME: Minimal fake gateway for E2E testing, speaks NDJSON frames over stdio
// ABOUTME: Usage: fake-gateway [-no-ready] [-crash-on METHOD] [-version v]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writer serializes frames onto stdout.
type writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	seq int64
}

func (w *writer) respond(id string, payload any, ferr *frameError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	frame := map[string]any{"type": "res", "id": id, "ok": ferr == nil}
	if ferr != nil {
		frame["error"] = ferr
	} else {
		frame["payload"] = payload
	}
	if err := w.enc.Encode(frame); err != nil {
		log.Printf("write error: %v", err)
	}
}

func (w *writer) event(name string, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	if err := w.enc.Encode(map[string]any{"type": "event", "event": name, "payload": payload, "seq": w.seq}); err != nil {
		log.Printf("write error: %v", err)
	}
}

func main() {
	noReady := flag.Bool("no-ready", false, "never send gateway.ready")
	crashOn := flag.String("crash-on", "", "exit with code 3 when this method is called")
	version := flag.String("version", "fake-1.0", "version reported by ping")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetFlags(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := &writer{enc: json.NewEncoder(os.Stdout)}
	if !*noReady {
		w.event("gateway.ready", map[string]any{"version": *version})
	}
	log.Printf("fake gateway up (pid %d)", os.Getpid())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var inflight sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			log.Printf("terminating")
			inflight.Wait()
			return
		case line, ok := <-lines:
			if !ok {
				inflight.Wait()
				return
			}
			var req request
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				log.Printf("bad frame: %v", err)
				continue
			}
			if req.Method == *crashOn {
				log.Printf("crashing on %s", req.Method)
				os.Exit(3)
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				handle(w, req, *version)
			}()
		}
	}
}

func handle(w *writer, req request, version string) {
	switch req.Method {
	case "ping":
		w.respond(req.ID, map[string]any{"pong": true, "version": version}, nil)

	case "echo":
		// delayMs lets tests force out-of-order responses.
		var p struct {
			DelayMs int `json:"delayMs"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.DelayMs > 0 {
			time.Sleep(time.Duration(p.DelayMs) * time.Millisecond)
		}
		params := req.Params
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		w.respond(req.ID, params, nil)

	case "status":
		w.respond(req.ID, map[string]any{
			"defaultProvider": os.Getenv("COVEN_DEFAULT_PROVIDER"),
			"keys":            keyNames(),
		}, nil)

	case "chat.send":
		var p struct {
			SessionKey string `json:"sessionKey"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Message == "" {
			w.respond(req.ID, nil, &frameError{Code: "invalid_params", Message: "message is required"})
			return
		}
		runID := fmt.Sprintf("run-%s", req.ID)
		w.respond(req.ID, map[string]any{"runId": runID, "status": "queued"}, nil)
		w.event("chat.message", map[string]any{
			"runId":      runID,
			"sessionKey": p.SessionKey,
			"role":       "assistant",
			"text":       "Echo: " + p.Message,
		})

	case "channels.status":
		channels := []map[string]any{{"id": "local", "type": "loopback", "status": "connected", "connected": true}}
		w.respond(req.ID, map[string]any{"channels": channels}, nil)
		w.event("channel.status", channels[0])

	case "providers.sync":
		var p struct {
			Providers []json.RawMessage `json:"providers"`
			Default   string            `json:"default"`
		}
		_ = json.Unmarshal(req.Params, &p)
		w.respond(req.ID, map[string]any{"count": len(p.Providers)}, nil)
		w.event("providers.synced", map[string]any{"count": len(p.Providers), "default": p.Default})

	default:
		w.respond(req.ID, nil, &frameError{Code: "unknown_method", Message: "unknown method " + req.Method})
	}
}

// keyNames lists the provider key variables present in the environment.
func keyNames() []string {
	var names []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasSuffix(name, "_API_KEY") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
