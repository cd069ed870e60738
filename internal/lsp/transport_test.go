package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// testTransport wires a transport to raw pipe ends the test drives by
// hand: requests come out of out, responses go into in.
type testTransport struct {
	tr  *Transport
	in  *io.PipeWriter // test writes server output here
	out *bufio.Reader  // test reads client requests here
}

func newTestTransport(t *testing.T) *testTransport {
	t.Helper()

	serverOutR, serverOutW := io.Pipe()
	clientOutR, clientOutW := io.Pipe()

	tr := NewTransport(serverOutR, clientOutW, nil, testLogger())
	tr.Start(context.Background())
	t.Cleanup(func() {
		tr.Close()
		serverOutW.Close()
		clientOutR.Close()
	})

	return &testTransport{
		tr:  tr,
		in:  serverOutW,
		out: bufio.NewReader(clientOutR),
	}
}

func (tt *testTransport) readRequest(t *testing.T) json.RawMessage {
	t.Helper()
	msg, err := readTestFrame(tt.out)
	if err != nil {
		t.Fatalf("read request frame: %v", err)
	}
	return msg
}

func (tt *testTransport) writeRaw(t *testing.T, data string) {
	t.Helper()
	if _, err := io.WriteString(tt.in, data); err != nil {
		t.Fatalf("write to transport: %v", err)
	}
}

func (tt *testTransport) writeFrame(t *testing.T, body string) {
	t.Helper()
	tt.writeRaw(t, fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))
}

func TestTransportCallRoundTrip(t *testing.T) {
	tt := newTestTransport(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := tt.readRequest(t)
		id := gjson.GetBytes(req, "id").Int()
		if got := gjson.GetBytes(req, "method").Str; got != "test/echo" {
			t.Errorf("method = %q, want test/echo", got)
		}
		tt.writeFrame(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id))
	}()

	raw, err := tt.tr.Call(context.Background(), "test/echo", map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got := gjson.GetBytes(raw, "ok").Bool(); !got {
		t.Errorf("result = %s, want {\"ok\":true}", raw)
	}
	<-done
}

func TestTransportContentLengthCountsBytes(t *testing.T) {
	tt := newTestTransport(t)

	// Multi-byte characters: the header must count UTF-8 bytes, not runes.
	// The pipe has no buffer, so the write must run alongside the reads.
	payload := map[string]string{"text": "héllo wörld — ラベル"}
	notifyErr := make(chan error, 1)
	go func() {
		notifyErr <- tt.tr.Notify(context.Background(), "test/utf8", payload)
	}()

	line, err := tt.out.ReadString('\n')
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	var declared int
	if _, err := fmt.Sscanf(line, "Content-Length: %d", &declared); err != nil {
		t.Fatalf("parse header %q: %v", line, err)
	}
	if _, err := tt.out.ReadString('\n'); err != nil { // blank line
		t.Fatalf("read separator: %v", err)
	}

	body := make([]byte, declared)
	if _, err := io.ReadFull(tt.out, body); err != nil {
		t.Fatalf("read body of declared length: %v", err)
	}
	var decoded struct {
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("body is not complete JSON: %v", err)
	}
	if decoded.Params["text"] != payload["text"] {
		t.Errorf("round-tripped text = %q, want %q", decoded.Params["text"], payload["text"])
	}
	if err := <-notifyErr; err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
}

func TestTransportDecodeSplitAndConcatenatedFrames(t *testing.T) {
	tt := newTestTransport(t)

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tt.tr.Call(context.Background(), "test/chunk", map[string]int{"seq": i})
		}(i)
	}

	// The callers race to write, so correlate via the echoed seq rather
	// than arrival order.
	req1 := tt.readRequest(t)
	req2 := tt.readRequest(t)
	id1 := gjson.GetBytes(req1, "id").Int()
	id2 := gjson.GetBytes(req2, "id").Int()
	seq1 := gjson.GetBytes(req1, "params.seq").Int()
	seq2 := gjson.GetBytes(req2, "params.seq").Int()

	// First response arrives split into single-byte chunks; the second is
	// concatenated onto the tail of the first in one write.
	body1 := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, id1, seq1)
	body2 := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, id2, seq2)
	frame1 := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body1), body1)
	frame2 := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body2), body2)

	for _, b := range []byte(frame1[:len(frame1)-3]) {
		tt.writeRaw(t, string(b))
	}
	tt.writeRaw(t, frame1[len(frame1)-3:]+frame2)

	wg.Wait()
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("Call(%d) error = %v", i, errs[i])
		}
		if string(results[i]) != fmt.Sprint(i) {
			t.Errorf("caller %d received %s, want %d", i, results[i], i)
		}
	}
}

func TestTransportOutOfOrderCorrelation(t *testing.T) {
	tt := newTestTransport(t)

	const n = 4
	var wg sync.WaitGroup
	results := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := tt.tr.Call(context.Background(), "test/order", map[string]int{"seq": i})
			if err != nil {
				t.Errorf("Call(%d) error = %v", i, err)
				return
			}
			results[i] = raw
		}(i)
	}

	// Echo each request's seq back, in reverse arrival order.
	type pending struct {
		id  int64
		seq int64
	}
	reqs := make([]pending, n)
	for i := 0; i < n; i++ {
		req := tt.readRequest(t)
		reqs[i] = pending{
			id:  gjson.GetBytes(req, "id").Int(),
			seq: gjson.GetBytes(req, "params.seq").Int(),
		}
	}
	for i := n - 1; i >= 0; i-- {
		tt.writeFrame(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, reqs[i].id, reqs[i].seq))
	}

	wg.Wait()
	for i := 0; i < n; i++ {
		if string(results[i]) != fmt.Sprint(i) {
			t.Errorf("caller %d received %s, want %d", i, results[i], i)
		}
	}
}

func TestTransportTimeoutDiscardsLateResponse(t *testing.T) {
	tt := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	reqCh := make(chan int64, 1)
	go func() {
		req := tt.readRequest(t)
		reqCh <- gjson.GetBytes(req, "id").Int()
	}()

	_, err := tt.tr.Call(ctx, "test/hang", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Call() error = %v, want ErrRequestTimeout", err)
	}
	id := <-reqCh

	// The abandoned id gets a best-effort $/cancelRequest.
	cancelReq := tt.readRequest(t)
	if got := gjson.GetBytes(cancelReq, "method").Str; got != "$/cancelRequest" {
		t.Fatalf("follow-up method = %q, want $/cancelRequest", got)
	}
	if got := gjson.GetBytes(cancelReq, "params.id").Int(); got != id {
		t.Errorf("cancelled id = %d, want %d", got, id)
	}

	// A late response for the abandoned id is dropped silently and the
	// transport keeps working.
	tt.writeFrame(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"late"}`, id))

	go func() {
		req := tt.readRequest(t)
		nextID := gjson.GetBytes(req, "id").Int()
		tt.writeFrame(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"fresh"}`, nextID))
	}()
	raw, err := tt.tr.Call(context.Background(), "test/after", nil)
	if err != nil {
		t.Fatalf("Call() after timeout error = %v", err)
	}
	if string(raw) != `"fresh"` {
		t.Errorf("result = %s, want \"fresh\"", raw)
	}
}

func TestTransportMalformedFrameSkipped(t *testing.T) {
	tt := newTestTransport(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := tt.readRequest(t)
		id := gjson.GetBytes(req, "id").Int()

		// Garbage body, then a header-less junk line, then the real
		// response. Neither corrupt frame may take the connection down.
		tt.writeFrame(t, "this is not json")
		tt.writeRaw(t, "random noise without a header\r\n\r\n")
		tt.writeFrame(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"survived"}`, id))
	}()

	raw, err := tt.tr.Call(context.Background(), "test/resilient", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(raw) != `"survived"` {
		t.Errorf("result = %s, want \"survived\"", raw)
	}
	<-done
}

func TestTransportErrorResponse(t *testing.T) {
	tt := newTestTransport(t)

	go func() {
		req := tt.readRequest(t)
		id := gjson.GetBytes(req, "id").Int()
		tt.writeFrame(t, fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"bad position"}}`, id))
	}()

	_, err := tt.tr.Call(context.Background(), "test/err", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Call() error = %v, want *ProtocolError", err)
	}
	if perr.Code != CodeInvalidParams || perr.Message != "bad position" {
		t.Errorf("ProtocolError = %+v", perr)
	}
}

func TestTransportNotificationDispatch(t *testing.T) {
	tt := newTestTransport(t)

	got := make(chan string, 1)
	tt.tr.OnNotification("window/logMessage", func(method string, params json.RawMessage) {
		got <- gjson.GetBytes(params, "message").Str
	})

	tt.writeFrame(t, `{"jsonrpc":"2.0","method":"window/logMessage","params":{"message":"hello"}}`)

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Errorf("notification payload = %q, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestTransportWildcardNotificationHandler(t *testing.T) {
	tt := newTestTransport(t)

	got := make(chan string, 1)
	tt.tr.OnNotification("*", func(method string, params json.RawMessage) {
		got <- method
	})

	tt.writeFrame(t, `{"jsonrpc":"2.0","method":"custom/thing","params":{}}`)

	select {
	case method := <-got:
		if method != "custom/thing" {
			t.Errorf("method = %q, want custom/thing", method)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard handler never ran")
	}
}

func TestTransportAnswersServerRequest(t *testing.T) {
	tt := newTestTransport(t)

	tt.writeFrame(t, `{"jsonrpc":"2.0","id":"cfg-1","method":"workspace/configuration","params":{"items":[{"section":"a"},{"section":"b"}]}}`)

	reply, err := readTestFrame(tt.out)
	if err != nil {
		t.Fatalf("read reply frame: %v", err)
	}
	if got := gjson.GetBytes(reply, "id").Str; got != "cfg-1" {
		t.Errorf("reply id = %q, want cfg-1", got)
	}
	if got := gjson.GetBytes(reply, "result.#").Int(); got != 2 {
		t.Errorf("configuration reply items = %d, want 2", got)
	}
}

func TestTransportClose(t *testing.T) {
	tt := newTestTransport(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := tt.tr.Call(context.Background(), "test/blocked", nil)
		errCh <- err
	}()
	tt.readRequest(t)

	if err := tt.tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tt.tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("pending Call() error = %v, want ErrShutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call never unblocked")
	}

	if _, err := tt.tr.Call(context.Background(), "test/dead", nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("Call() after close error = %v, want ErrShutdown", err)
	}
	if !tt.tr.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestTransportRequestIDsMonotonic(t *testing.T) {
	tt := newTestTransport(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			req := tt.readRequest(t)
			id := gjson.GetBytes(req, "id").Int()
			ids = append(ids, id)
			tt.writeFrame(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":null}`, id))
		}()
		if _, err := tt.tr.Call(context.Background(), "test/seq", nil); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		<-done
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("request ids not monotonically increasing: %v", ids)
		}
	}
}

func TestReadMessageRejectsMissingLength(t *testing.T) {
	tr := NewTransport(strings.NewReader("X-Other: 1\r\n\r\n"), io.Discard, nil, testLogger())
	if _, err := tr.readMessage(); err == nil {
		t.Fatal("readMessage() accepted a frame without Content-Length")
	}
}
