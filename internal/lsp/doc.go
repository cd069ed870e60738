// Package lsp manages pooled connections to external language servers and
// routes semantic queries to them.
//
// Each supported language (python, typescript, javascript, go, rust, php,
// java, cpp) maps to an external server process speaking the Language
// Server Protocol over stdio. The package owns the full lifecycle of those
// processes: spawning, the initialize handshake, periodic health probing
// with bounded self-healing restarts, pooling with forced recycling under
// capacity pressure, and graceful teardown.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Manager: single entry point; routes requests by language
//   - pool: bounded per-language connection set with LRU recycling
//   - Conn: one supervised server process and its handshake state
//   - Transport: Content-Length framed JSON-RPC 2.0 over stdio
//   - resultCache: TTL semantic result cache with dependency invalidation
//
// # Quick Start
//
// Create a manager and send requests; servers spawn lazily on first use:
//
//	mgr := lsp.NewManager(lsp.ManagerConfig{
//	    Servers:       lsp.DefaultServerConfigs(),
//	    WorkspaceRoot: "/path/to/project",
//	})
//	defer mgr.ShutdownAll(ctx)
//
//	// Keep the server's view of a file current.
//	mgr.SynchronizeDocument(ctx, uri, content, "go")
//
//	// Any LSP method; results for read-only queries are cached.
//	raw, err := mgr.SendRequest(ctx, "go", "textDocument/definition", params)
//
// # Caching
//
// Results for hover, completion, documentSymbol, definition,
// typeDefinition and references are cached by (language, method, uri,
// position) with a TTL. A document change invalidates every entry built
// from that document, including entries that merely reference it.
//
// # Health and Recovery
//
// A background probe runs per connection on a fixed interval. Probe
// failures move the connection to an error state and trigger a restart,
// up to a per-config budget; after the budget is spent the connection is
// parked in error state and only status queries reveal it. A connection
// that starts answering probes again recovers without a restart.
//
// # Thread Safety
//
// The Manager and everything reachable from it are safe for concurrent
// use. Requests within one (language, method) pair may complete out of
// submission order; callers needing a change visible before a query must
// let SynchronizeDocument return first.
package lsp
