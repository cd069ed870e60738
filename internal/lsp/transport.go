package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// Transport handles JSON-RPC 2.0 communication over stdio.
// It implements the LSP base protocol: each message is prefixed with a
// Content-Length header counting the UTF-8 bytes of the JSON payload.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	mu       sync.Mutex
	nextID   atomic.Int64
	pending  map[int64]chan *Response
	handlers map[string]NotificationHandler

	closed atomic.Bool
	done   chan struct{}
}

// NotificationHandler handles incoming notifications from the server.
type NotificationHandler func(method string, params json.RawMessage)

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProtocolError  `json:"error,omitempty"`
}

// notification is used to parse incoming notifications.
type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// serverReply answers a server-to-client request.
type serverReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// NewTransport creates a new transport over the given connection.
// The reader and writer are typically the server process's stdout and
// stdin pipes.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		logger:   logger,
		pending:  make(map[int64]chan *Response),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
	return t
}

// Start begins reading messages from the connection.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close closes the transport and releases resources.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}

	close(t.done)

	// Cancel all pending requests by clearing the map.
	// We don't close the channels to avoid race conditions with handleResponse.
	// Callers waiting on pending channels will receive from t.done instead.
	t.mu.Lock()
	t.pending = make(map[int64]chan *Response)
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// Call sends a request and waits for the correlated response, returning the
// raw result. A JSON-RPC error in the response is returned as *ProtocolError.
// If the context deadline fires first the pending entry is discarded, a
// best-effort $/cancelRequest is sent, and ErrRequestTimeout is returned;
// a response arriving after that is dropped silently.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrShutdown
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := t.send(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.cancelRequest(id)
			return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
		}
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrShutdown
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrShutdown
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a notification (no response expected).
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}

	return t.send(req)
}

// cancelRequest tells the server an abandoned request id can be dropped.
func (t *Transport) cancelRequest(id int64) {
	if t.closed.Load() {
		return
	}
	go func() {
		_ = t.send(&Request{
			JSONRPC: "2.0",
			Method:  "$/cancelRequest",
			Params:  CancelParams{ID: id},
		})
	}()
}

// OnNotification registers a handler for server notifications.
// The method "*" registers a wildcard handler.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// send writes a message with an LSP Content-Length header. The length is
// the byte count of the marshaled payload, not the character count.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// readLoop reads messages from the connection until it closes. Malformed
// frames are dropped with a debug record; a corrupt frame never takes the
// connection down.
func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if err == io.EOF || err == io.ErrClosedPipe || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			t.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		t.dispatch(msg)
	}
}

// readMessage reads a single framed message. The buffered reader naturally
// handles frames split across stream chunks or concatenated in one chunk:
// it blocks until a full header and body are available.
func (t *Transport) readMessage() (json.RawMessage, error) {
	// Read headers
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
				if err == nil {
					contentLength = length
				}
			}
		}
		// Ignore Content-Type and other headers
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	// Read body
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// dispatch routes a message to the appropriate handler.
func (t *Transport) dispatch(data json.RawMessage) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Error  *ProtocolError  `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Debug("dropping undecodable message", "error", err)
		return
	}

	// An id without a method is a response to one of our requests.
	if len(probe.ID) > 0 && probe.Method == "" {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("dropping unmatched response", "error", err)
			return
		}
		t.handleResponse(&resp)
		return
	}

	// An id with a method is a server-to-client request.
	if len(probe.ID) > 0 && probe.Method != "" {
		t.handleServerRequest(probe.ID, probe.Method, data)
		return
	}

	if probe.Method != "" {
		var notif notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return
		}
		t.handleNotification(&notif)
	}
}

// handleResponse routes a response to its waiting caller. Responses whose
// id is no longer pending (timed out or cancelled) are dropped silently.
func (t *Transport) handleResponse(resp *Response) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		// Remove from pending while holding lock to prevent races
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
			// Channel full, drop response
		}
	}
}

// handleServerRequest answers requests initiated by the server. Most get a
// null result, which satisfies window/workDoneProgress/create and
// client/registerCapability; workspace/configuration expects one entry per
// requested item.
func (t *Transport) handleServerRequest(id json.RawMessage, method string, data json.RawMessage) {
	var result any
	if method == "workspace/configuration" {
		n := gjson.GetBytes(data, "params.items.#").Int()
		items := make([]any, n)
		result = items
	}

	reply := &serverReply{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	if err := t.send(reply); err != nil {
		t.logger.Debug("server request reply failed", "method", method, "error", err)
	}
}

// handleNotification routes a notification to its handler.
func (t *Transport) handleNotification(notif *notification) {
	t.mu.Lock()
	handler, ok := t.handlers[notif.Method]
	if !ok {
		handler, ok = t.handlers["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		// Run handler in goroutine to avoid blocking read loop
		go handler(notif.Method, notif.Params)
	}
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}
