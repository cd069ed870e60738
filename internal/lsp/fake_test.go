package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// fakeHandler answers one request. Returning respond=false leaves the
// request pending forever, which is how tests provoke timeouts.
type fakeHandler func(method string, msg json.RawMessage) (result any, rpcErr *ProtocolError, respond bool)

// fakeServer is an in-memory language server speaking framed JSON-RPC
// over pipes. It answers the handshake and the health probe by itself;
// everything else goes through the optional handler.
type fakeServer struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	handler fakeHandler

	writeMu sync.Mutex

	mu    sync.Mutex
	calls map[string]int

	killed   chan struct{}
	killOnce sync.Once
}

func newFakeServer(handler fakeHandler) *fakeServer {
	f := &fakeServer{handler: handler, calls: make(map[string]int), killed: make(chan struct{})}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	return f
}

// Process interface.

func (f *fakeServer) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeServer) Stdout() io.ReadCloser { return f.stdoutR }
func (f *fakeServer) Stderr() io.ReadCloser { return f.stderrR }
func (f *fakeServer) PID() int              { return 4242 }

func (f *fakeServer) Wait() error {
	<-f.killed
	return nil
}

func (f *fakeServer) Kill() error {
	f.killOnce.Do(func() {
		f.stdinR.Close()
		f.stdinW.Close()
		f.stdoutR.Close()
		f.stdoutW.Close()
		f.stderrW.Close()
		close(f.killed)
	})
	return nil
}

// serve reads framed requests until the pipe closes.
func (f *fakeServer) serve() {
	r := bufio.NewReader(f.stdinR)
	for {
		msg, err := readTestFrame(r)
		if err != nil {
			return
		}

		method := gjson.GetBytes(msg, "method").Str
		f.mu.Lock()
		f.calls[method]++
		f.mu.Unlock()

		id := gjson.GetBytes(msg, "id")
		if !id.Exists() {
			if method == "exit" {
				f.Kill()
				return
			}
			continue
		}

		result, rpcErr, respond := f.handle(method, msg)
		if !respond {
			continue
		}
		f.respond(json.RawMessage(id.Raw), result, rpcErr)
	}
}

func (f *fakeServer) handle(method string, msg json.RawMessage) (any, *ProtocolError, bool) {
	switch method {
	case "initialize":
		if f.handler != nil {
			if res, rpcErr, respond := f.handler(method, msg); res != nil || rpcErr != nil || !respond {
				return res, rpcErr, respond
			}
		}
		return InitializeResult{
			Capabilities: ServerCapabilities{HoverProvider: true},
			ServerInfo:   &InitializeServerInfo{Name: "fakeserver", Version: "0.0.1"},
		}, nil, true
	case "shutdown":
		return nil, nil, true
	}
	if f.handler != nil {
		return f.handler(method, msg)
	}
	if method == "textDocument/documentSymbol" {
		return []DocumentSymbol{}, nil, true
	}
	return nil, nil, true
}

// respond writes one framed response.
func (f *fakeServer) respond(id json.RawMessage, result any, rpcErr *ProtocolError) {
	msg := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *ProtocolError  `json:"error,omitempty"`
	}{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	f.write(msg)
}

// push sends a server-initiated notification.
func (f *fakeServer) push(method string, params any) {
	msg := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params}
	f.write(msg)
}

func (f *fakeServer) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	fmt.Fprintf(f.stdoutW, "Content-Length: %d\r\n\r\n", len(data))
	f.stdoutW.Write(data)
}

func (f *fakeServer) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// readTestFrame reads one Content-Length framed message.
func readTestFrame(r *bufio.Reader) (json.RawMessage, error) {
	length := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			n, err := strconv.Atoi(strings.TrimSpace(line[len("content-length:"):]))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length == 0 {
		return nil, fmt.Errorf("missing content length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// fakeLauncher spawns fakeServers and remembers every one of them.
type fakeLauncher struct {
	mu        sync.Mutex
	servers   []*fakeServer
	handler   fakeHandler
	launchErr error
}

func (l *fakeLauncher) Launch(ctx context.Context, cfg LanguageServerConfig) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	f := newFakeServer(l.handler)
	l.servers = append(l.servers, f)
	go f.serve()
	return f, nil
}

func (l *fakeLauncher) setLaunchErr(err error) {
	l.mu.Lock()
	l.launchErr = err
	l.mu.Unlock()
}

func (l *fakeLauncher) last() *fakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.servers) == 0 {
		return nil
	}
	return l.servers[len(l.servers)-1]
}

func (l *fakeLauncher) spawned() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.servers)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServerConfig uses short deadlines and a long health interval so
// tests drive health checks explicitly.
func testServerConfig() LanguageServerConfig {
	return LanguageServerConfig{
		Command:             "fakeserver",
		HealthCheckInterval: time.Hour,
		MaxRestartAttempts:  3,
		InitializeTimeout:   200 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder collects lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
