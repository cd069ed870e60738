package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/lexicore/lexicore/internal/lsp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a tool server over a manager with no registered
// language servers, which is enough to exercise argument validation and
// the local (non-LSP) tool paths.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr := lsp.NewManager(lsp.ManagerConfig{}, lsp.WithLogger(testLogger()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.ShutdownAll(ctx)
	})
	return New(mgr, "test", WithLogger(testLogger()))
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("tool result content = %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestPositionParams(t *testing.T) {
	params, err := positionParams("file:///proj/main.py", 12, 4)
	if err != nil {
		t.Fatalf("positionParams() error = %v", err)
	}

	if got := gjson.Get(params, "textDocument.uri").Str; got != "file:///proj/main.py" {
		t.Errorf("textDocument.uri = %q", got)
	}
	if got := gjson.Get(params, "position.line").Int(); got != 12 {
		t.Errorf("position.line = %d, want 12", got)
	}
	if got := gjson.Get(params, "position.character").Int(); got != 4 {
		t.Errorf("position.character = %d, want 4", got)
	}
}

func TestResolveFile(t *testing.T) {
	uri, path, language, err := resolveFile(toolRequest(map[string]any{"file_path": "/proj/main.py"}))
	if err != nil {
		t.Fatalf("resolveFile() error = %v", err)
	}
	if uri != "file:///proj/main.py" || path != "/proj/main.py" || language != lsp.LangPython {
		t.Errorf("resolveFile() = %s, %s, %s", uri, path, language)
	}

	if _, _, _, err := resolveFile(toolRequest(nil)); err == nil {
		t.Error("resolveFile() without file_path succeeded")
	}
	_, _, _, err = resolveFile(toolRequest(map[string]any{"file_path": "/proj/README.md"}))
	if err == nil {
		t.Fatal("resolveFile() for an unsupported extension succeeded")
	}
	// The error spells out what is routable.
	if !strings.Contains(err.Error(), "supported languages") || !strings.Contains(err.Error(), lsp.LangPython) {
		t.Errorf("unsupported-extension error = %q, want the supported language list", err)
	}
}

func TestHandleLSPRequestValidation(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleLSPRequest(ctx, toolRequest(map[string]any{"method": "textDocument/hover"}))
	if err != nil {
		t.Fatalf("handleLSPRequest() error = %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "language parameter") {
		t.Errorf("missing language result = %q", resultText(t, res))
	}

	res, _ = s.handleLSPRequest(ctx, toolRequest(map[string]any{"language": "python"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "method parameter") {
		t.Errorf("missing method result = %q", resultText(t, res))
	}

	res, _ = s.handleLSPRequest(ctx, toolRequest(map[string]any{
		"language": "python",
		"method":   "textDocument/hover",
		"params":   "{not json",
	}))
	if !res.IsError || !strings.Contains(resultText(t, res), "valid JSON") {
		t.Errorf("malformed params result = %q", resultText(t, res))
	}
}

func TestHandleLSPRequestUnknownLanguage(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleLSPRequest(context.Background(), toolRequest(map[string]any{
		"language": "cobol",
		"method":   "textDocument/hover",
	}))
	if err != nil {
		t.Fatalf("handleLSPRequest() error = %v", err)
	}
	// Routing failures surface as tool errors, never protocol errors.
	if !res.IsError {
		t.Fatal("request for an unregistered language did not produce an error result")
	}
	if !strings.Contains(resultText(t, res), "no server configured") {
		t.Errorf("error text = %q", resultText(t, res))
	}
}

func TestHandleFindDefinitionUnreadableFile(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleFindDefinition(context.Background(), toolRequest(map[string]any{
		"file_path": filepath.Join(t.TempDir(), "missing.py"),
		"line":      1,
		"character": 1,
	}))
	if err != nil {
		t.Fatalf("handleFindDefinition() error = %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "synchronize document") {
		t.Errorf("result = %q, want a sync failure", resultText(t, res))
	}
}

func TestHandleSyncDocumentNoServer(t *testing.T) {
	s := newTestServer(t)

	path := filepath.Join(t.TempDir(), "mod.py")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := s.handleSyncDocument(context.Background(), toolRequest(map[string]any{"file_path": path}))
	if err != nil {
		t.Fatalf("handleSyncDocument() error = %v", err)
	}
	if !res.IsError {
		t.Fatal("sync without a registered server did not produce an error result")
	}
}

func TestHandleGetDiagnostics(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleGetDiagnostics(ctx, toolRequest(nil))
	if err != nil {
		t.Fatalf("handleGetDiagnostics() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("empty diagnostics produced an error result: %s", resultText(t, res))
	}
	if text := resultText(t, res); strings.TrimSpace(text) != "{}" {
		t.Errorf("all-diagnostics result = %q, want empty object", text)
	}

	res, _ = s.handleGetDiagnostics(ctx, toolRequest(map[string]any{"file_path": "/proj/a.py"}))
	text := resultText(t, res)
	if got := gjson.Get(text, "uri").Str; got != "file:///proj/a.py" {
		t.Errorf("uri = %q", got)
	}
	if !gjson.Get(text, "diagnostics").Exists() {
		t.Errorf("per-file result lacks a diagnostics field: %s", text)
	}
}

func TestHandleServerStatus(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleServerStatus(ctx, toolRequest(nil))
	if err != nil {
		t.Fatalf("handleServerStatus() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("status produced an error result: %s", resultText(t, res))
	}
	text := resultText(t, res)
	for _, field := range []string{"servers", "stats.cache", "stats.metrics"} {
		if !gjson.Get(text, field).Exists() {
			t.Errorf("status result lacks %s: %s", field, text)
		}
	}

	res, _ = s.handleServerStatus(ctx, toolRequest(map[string]any{"language": "python"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "no running server pool") {
		t.Errorf("status for an idle language = %q, want pool-missing error", resultText(t, res))
	}
}

func TestHandleOptimizePools(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleOptimizePools(context.Background(), toolRequest(nil))
	if err != nil {
		t.Fatalf("handleOptimizePools() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("optimize produced an error result: %s", resultText(t, res))
	}
	text := resultText(t, res)
	if got := gjson.Get(text, "connectionsClosed").Int(); got != 0 {
		t.Errorf("connectionsClosed = %d for an empty manager, want 0", got)
	}
}
