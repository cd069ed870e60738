package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lexicore/lexicore/internal/lsp"
)

const defaultCompletionLimit = 20

// toolJSON marshals v as an indented JSON tool result.
func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// resolveFile maps the file_path argument onto a URI and language id.
func resolveFile(request mcp.CallToolRequest) (lsp.DocumentURI, string, string, error) {
	path, err := request.RequireString("file_path")
	if err != nil {
		return "", "", "", fmt.Errorf("file_path parameter is required")
	}
	language := lsp.DetectLanguageID(path)
	if language == "" {
		return "", "", "", fmt.Errorf("unsupported file type %s (supported languages: %s)",
			path, strings.Join(lsp.SupportedLanguages(), ", "))
	}
	return lsp.FilePathToURI(path), path, language, nil
}

// positionParams assembles textDocument/position request params.
func positionParams(uri lsp.DocumentURI, line, character int) (string, error) {
	params, err := sjson.Set("", "textDocument.uri", string(uri))
	if err == nil {
		params, err = sjson.Set(params, "position.line", line)
	}
	if err == nil {
		params, err = sjson.Set(params, "position.character", character)
	}
	return params, err
}

// ensureSynced opens the document from disk when the manager does not
// track it yet. Hosts holding unsaved edits call sync_document first.
func (s *Server) ensureSynced(ctx context.Context, uri lsp.DocumentURI, path, language string) error {
	if s.mgr.TracksDocument(uri) {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return s.mgr.SynchronizeDocument(ctx, uri, string(content), language)
}

// positionRequest runs the shared flow of every position-based tool:
// resolve the file, sync it if needed, and send one LSP request.
func (s *Server) positionRequest(ctx context.Context, request mcp.CallToolRequest, method string, refine func(params string) (string, error)) (json.RawMessage, *mcp.CallToolResult) {
	uri, path, language, err := resolveFile(request)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}

	line := request.GetInt("line", 0)
	character := request.GetInt("character", 0)

	params, err := positionParams(uri, line, character)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("assemble params: %v", err))
	}
	if refine != nil {
		if params, err = refine(params); err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("assemble params: %v", err))
		}
	}

	if err := s.ensureSynced(ctx, uri, path, language); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("synchronize document: %v", err))
	}

	raw, err := s.mgr.SendRequest(ctx, language, method, json.RawMessage(params))
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", method, err))
	}
	return raw, nil
}

func (s *Server) handleLSPRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language parameter is required"), nil
	}
	method, err := request.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError("method parameter is required"), nil
	}

	var params json.RawMessage
	if raw := request.GetString("params", ""); raw != "" {
		if !gjson.Valid(raw) {
			return mcp.NewToolResultError("params must be a valid JSON string"), nil
		}
		params = json.RawMessage(raw)
	}

	if timeoutMS := request.GetInt("timeout_ms", 0); timeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	raw, err := s.mgr.SendRequest(ctx, language, method, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", method, err)), nil
	}
	if len(raw) == 0 {
		return mcp.NewToolResultText("null"), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) handleFindDefinition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, errResult := s.positionRequest(ctx, request, "textDocument/definition", nil)
	if errResult != nil {
		return errResult, nil
	}

	locations, err := lsp.ParseLocations(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode definitions: %v", err)), nil
	}
	return toolJSON(locations)
}

func (s *Server) handleFindReferences(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeDeclaration := request.GetBool("include_declaration", true)
	raw, errResult := s.positionRequest(ctx, request, "textDocument/references", func(params string) (string, error) {
		return sjson.Set(params, "context.includeDeclaration", includeDeclaration)
	})
	if errResult != nil {
		return errResult, nil
	}

	locations, err := lsp.ParseLocations(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode references: %v", err)), nil
	}
	return toolJSON(locations)
}

func (s *Server) handleGetHover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, errResult := s.positionRequest(ctx, request, "textDocument/hover", nil)
	if errResult != nil {
		return errResult, nil
	}

	hover, err := lsp.ParseHover(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode hover: %v", err)), nil
	}
	text := lsp.HoverText(hover)
	if text == "" {
		return mcp.NewToolResultText("no hover information at this position"), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleGetCompletions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", defaultCompletionLimit)
	if limit <= 0 {
		limit = defaultCompletionLimit
	}

	raw, errResult := s.positionRequest(ctx, request, "textDocument/completion", nil)
	if errResult != nil {
		return errResult, nil
	}

	list, err := lsp.ParseCompletion(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode completions: %v", err)), nil
	}

	items := list.Items
	truncated := false
	if len(items) > limit {
		items = items[:limit]
		truncated = true
	}

	return toolJSON(struct {
		IsIncomplete bool                 `json:"isIncomplete"`
		Truncated    bool                 `json:"truncated,omitempty"`
		Items        []lsp.CompletionItem `json:"items"`
	}{
		IsIncomplete: list.IsIncomplete,
		Truncated:    truncated,
		Items:        items,
	})
}

func (s *Server) handleGetDocumentSymbols(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, path, language, err := resolveFile(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.ensureSynced(ctx, uri, path, language); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("synchronize document: %v", err)), nil
	}

	params, err := sjson.Set("", "textDocument.uri", string(uri))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("assemble params: %v", err)), nil
	}

	raw, err := s.mgr.SendRequest(ctx, language, "textDocument/documentSymbol", json.RawMessage(params))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("textDocument/documentSymbol failed: %v", err)), nil
	}

	symbols, err := lsp.ParseSymbols(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode symbols: %v", err)), nil
	}

	if request.GetBool("flat", false) {
		return toolJSON(lsp.FlattenSymbols(symbols))
	}
	return toolJSON(symbols)
}

func (s *Server) handleSyncDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, path, language, err := resolveFile(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	content := request.GetString("content", "")
	if content == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("read %s: %v", path, err)), nil
		}
		content = string(data)
	}

	if err := s.mgr.SynchronizeDocument(ctx, uri, content, language); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("synchronize document: %v", err)), nil
	}

	return toolJSON(struct {
		URI      lsp.DocumentURI `json:"uri"`
		Language string          `json:"language"`
		Bytes    int             `json:"bytes"`
	}{URI: uri, Language: language, Bytes: len(content)})
}

func (s *Server) handleGetDiagnostics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if path := request.GetString("file_path", ""); path != "" {
		uri := lsp.FilePathToURI(path)
		return toolJSON(struct {
			URI         lsp.DocumentURI  `json:"uri"`
			Diagnostics []lsp.Diagnostic `json:"diagnostics"`
		}{URI: uri, Diagnostics: s.mgr.Diagnostics(uri)})
	}
	return toolJSON(s.mgr.AllDiagnostics())
}

func (s *Server) handleServerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if language := request.GetString("language", ""); language != "" {
		connections := s.mgr.PoolStatuses(language)
		if connections == nil {
			return mcp.NewToolResultError(fmt.Sprintf("no running server pool for language %q", language)), nil
		}
		return toolJSON(struct {
			Language    string        `json:"language"`
			Connections []*lsp.Status `json:"connections"`
		}{Language: language, Connections: connections})
	}

	return toolJSON(struct {
		Servers map[string]*lsp.Status `json:"servers"`
		Stats   lsp.ManagerStats       `json:"stats"`
	}{Servers: s.mgr.AllServerStatuses(), Stats: s.mgr.Stats()})
}

func (s *Server) handleOptimizePools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(s.mgr.Optimize())
}
