// Package mcpserver exposes the LSP manager as MCP tools over stdio.
//
// Each tool maps onto one manager operation: position queries
// (definition, references, hover, completions, symbols) go through the
// cached request path, sync_document feeds the document synchronizer,
// and the remaining tools surface diagnostics, pool status, and the
// optimization pass. Tool failures become isError results, never
// protocol errors.
package mcpserver

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lexicore/lexicore/internal/lsp"
)

// Server wraps an MCP stdio server around a manager.
type Server struct {
	mgr    *lsp.Manager
	mcp    *server.MCPServer
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for tool-call diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an MCP server exposing mgr's operations as tools.
func New(mgr *lsp.Manager, version string, opts ...Option) *Server {
	s := &Server{
		mgr:    mgr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mcp")

	s.mcp = server.NewMCPServer(
		"lexicore",
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()

	return s
}

// Serve runs the stdio transport until ctx is cancelled. Stdout belongs
// to the MCP stream; all logging goes to stderr.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	lspRequest := mcp.NewTool("lsp_request",
		mcp.WithDescription("Send a raw LSP request to a language server. Use the specialized tools when one fits; this is the escape hatch for any other method (e.g. textDocument/typeDefinition, workspace/symbol). Returns the raw JSON result."),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language id (python, typescript, javascript, go, rust, php, java, cpp)"),
		),
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("LSP method name (e.g. 'textDocument/definition')"),
		),
		mcp.WithString("params",
			mcp.Description("LSP params as a JSON object string (default: no params)"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Per-request timeout in milliseconds (default: server setting)"),
		),
	)
	s.mcp.AddTool(lspRequest, s.handleLSPRequest)

	findDefinition := mcp.NewTool("find_definition",
		mcp.WithDescription("Find where the symbol at a position is defined. Returns locations with file URIs and ranges. Line and character are zero-based."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the source file"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Zero-based line of the symbol"),
		),
		mcp.WithNumber("character",
			mcp.Required(),
			mcp.Description("Zero-based character offset within the line"),
		),
	)
	s.mcp.AddTool(findDefinition, s.handleFindDefinition)

	findReferences := mcp.NewTool("find_references",
		mcp.WithDescription("Find every reference to the symbol at a position. Returns locations with file URIs and ranges. Line and character are zero-based."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the source file"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Zero-based line of the symbol"),
		),
		mcp.WithNumber("character",
			mcp.Required(),
			mcp.Description("Zero-based character offset within the line"),
		),
		mcp.WithBoolean("include_declaration",
			mcp.Description("Include the declaration itself in the results (default: true)"),
		),
	)
	s.mcp.AddTool(findReferences, s.handleFindReferences)

	getHover := mcp.NewTool("get_hover",
		mcp.WithDescription("Get hover documentation (signature, type, docs) for the symbol at a position. Returns markdown text."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the source file"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Zero-based line of the symbol"),
		),
		mcp.WithNumber("character",
			mcp.Required(),
			mcp.Description("Zero-based character offset within the line"),
		),
	)
	s.mcp.AddTool(getHover, s.handleGetHover)

	getCompletions := mcp.NewTool("get_completions",
		mcp.WithDescription("Get completion candidates at a position. Returns labels, kinds, and detail strings sorted by server relevance."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the source file"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Zero-based line of the cursor"),
		),
		mcp.WithNumber("character",
			mcp.Required(),
			mcp.Description("Zero-based character offset of the cursor"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of candidates to return (default: 20)"),
		),
	)
	s.mcp.AddTool(getCompletions, s.handleGetCompletions)

	getDocumentSymbols := mcp.NewTool("get_document_symbols",
		mcp.WithDescription("List the symbols declared in a file (functions, classes, methods, ...). Returns the hierarchical symbol tree, or a flat list with container names when flat=true."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the source file"),
		),
		mcp.WithBoolean("flat",
			mcp.Description("Flatten the symbol tree into a list (default: false)"),
		),
	)
	s.mcp.AddTool(getDocumentSymbols, s.handleGetDocumentSymbols)

	syncDocument := mcp.NewTool("sync_document",
		mcp.WithDescription("Push a document's content to its language server so later queries see it. Content defaults to the file on disk; pass content explicitly for unsaved edits. Re-sending unchanged content is a no-op."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the source file"),
		),
		mcp.WithString("content",
			mcp.Description("Document text (default: read from disk)"),
		),
	)
	s.mcp.AddTool(syncDocument, s.handleSyncDocument)

	getDiagnostics := mcp.NewTool("get_diagnostics",
		mcp.WithDescription("Get the diagnostics (errors, warnings) language servers have published. Scoped to one file when file_path is given, otherwise all files."),
		mcp.WithString("file_path",
			mcp.Description("Path to a source file (default: every file with diagnostics)"),
		),
	)
	s.mcp.AddTool(getDiagnostics, s.handleGetDiagnostics)

	serverStatus := mcp.NewTool("server_status",
		mcp.WithDescription("Inspect language server pools: connection states, restart counts, uptime, and cache/queue statistics."),
		mcp.WithString("language",
			mcp.Description("Language id to inspect (default: every registered language)"),
		),
	)
	s.mcp.AddTool(serverStatus, s.handleServerStatus)

	optimizePools := mcp.NewTool("optimize_pools",
		mcp.WithDescription("Run one resource optimization pass: closes broken connections and scales down idle pools. Returns a report of what was removed."),
	)
	s.mcp.AddTool(optimizePools, s.handleOptimizePools)
}
