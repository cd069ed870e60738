package lsp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tidwall/gjson"
)

// DocumentURI is a URI identifying a document (usually file://).
type DocumentURI string

// Position in a text document, zero-based.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a document.
type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

// LocationLink is the richer location shape some servers return for
// definition-family requests.
type LocationLink struct {
	OriginSelectionRange *Range      `json:"originSelectionRange,omitempty"`
	TargetURI            DocumentURI `json:"targetUri"`
	TargetRange          Range       `json:"targetRange"`
	TargetSelectionRange Range       `json:"targetSelectionRange"`
}

// TextDocumentIdentifier identifies a document by URI.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a specific document version.
type VersionedTextDocumentIdentifier struct {
	URI     DocumentURI `json:"uri"`
	Version int         `json:"version"`
}

// TextDocumentItem is a document transferred to the server on open.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentPositionParams is the common (document, position) pair.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// --- Document Synchronization ---

// DidOpenTextDocumentParams are parameters for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams are parameters for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// TextDocumentContentChangeEvent describes a document change. With a nil
// Range it replaces the whole document (full sync).
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidCloseTextDocumentParams are parameters for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// --- Initialize Handshake ---

// InitializeParams are parameters for the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// ClientInfo identifies the client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the server's response to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities    `json:"capabilities"`
	ServerInfo   *InitializeServerInfo `json:"serverInfo,omitempty"`
}

// InitializeServerInfo identifies the server binary.
type InitializeServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams are parameters for the initialized notification.
type InitializedParams struct{}

// WorkspaceFolder describes one workspace root.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// CancelParams are parameters for the $/cancelRequest notification.
type CancelParams struct {
	ID int64 `json:"id"`
}

// --- Capabilities ---

// ClientCapabilities advertises what this client understands.
type ClientCapabilities struct {
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
}

// WorkspaceClientCapabilities covers workspace-level features.
type WorkspaceClientCapabilities struct {
	WorkspaceFolders bool `json:"workspaceFolders,omitempty"`
	Configuration    bool `json:"configuration,omitempty"`
	ApplyEdit        bool `json:"applyEdit,omitempty"`
}

// TextDocumentClientCapabilities covers per-document features.
type TextDocumentClientCapabilities struct {
	Synchronization    *SyncClientCapabilities       `json:"synchronization,omitempty"`
	Completion         *CompletionClientCapabilities `json:"completion,omitempty"`
	Hover              *HoverClientCapabilities      `json:"hover,omitempty"`
	DocumentSymbol     *SymbolClientCapabilities     `json:"documentSymbol,omitempty"`
	PublishDiagnostics *DiagnosticClientCapabilities `json:"publishDiagnostics,omitempty"`
}

// SyncClientCapabilities covers didOpen/didChange/didClose support.
type SyncClientCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

// CompletionClientCapabilities covers completion support.
type CompletionClientCapabilities struct {
	ContextSupport bool `json:"contextSupport,omitempty"`
}

// HoverClientCapabilities covers hover support.
type HoverClientCapabilities struct {
	ContentFormat []string `json:"contentFormat,omitempty"`
}

// SymbolClientCapabilities covers documentSymbol support.
type SymbolClientCapabilities struct {
	HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport,omitempty"`
}

// DiagnosticClientCapabilities covers publishDiagnostics support.
type DiagnosticClientCapabilities struct {
	RelatedInformation bool `json:"relatedInformation,omitempty"`
}

// DefaultClientCapabilities returns the capability set sent during the
// initialize handshake.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Workspace: &WorkspaceClientCapabilities{
			WorkspaceFolders: true,
			Configuration:    true,
		},
		TextDocument: &TextDocumentClientCapabilities{
			Synchronization:    &SyncClientCapabilities{DidSave: true},
			Completion:         &CompletionClientCapabilities{ContextSupport: true},
			Hover:              &HoverClientCapabilities{ContentFormat: []string{"markdown", "plaintext"}},
			DocumentSymbol:     &SymbolClientCapabilities{HierarchicalDocumentSymbolSupport: true},
			PublishDiagnostics: &DiagnosticClientCapabilities{RelatedInformation: true},
		},
	}
}

// ServerCapabilities describes what a server supports. Provider fields are
// loosely typed because servers report either booleans or option objects.
type ServerCapabilities struct {
	TextDocumentSync        any `json:"textDocumentSync,omitempty"`
	CompletionProvider      any `json:"completionProvider,omitempty"`
	HoverProvider           any `json:"hoverProvider,omitempty"`
	DefinitionProvider      any `json:"definitionProvider,omitempty"`
	TypeDefinitionProvider  any `json:"typeDefinitionProvider,omitempty"`
	ReferencesProvider      any `json:"referencesProvider,omitempty"`
	DocumentSymbolProvider  any `json:"documentSymbolProvider,omitempty"`
	WorkspaceSymbolProvider any `json:"workspaceSymbolProvider,omitempty"`
}

// HasCapability checks whether a capability is enabled (bool or object).
func HasCapability(cap any) bool {
	if cap == nil {
		return false
	}
	switch v := cap.(type) {
	case bool:
		return v
	case map[string]any:
		return true
	default:
		return true
	}
}

// TextDocumentSyncKind defines how document changes are synced.
type TextDocumentSyncKind int

const (
	TextDocumentSyncKindNone TextDocumentSyncKind = iota
	TextDocumentSyncKindFull
	TextDocumentSyncKindIncremental
)

// GetTextDocumentSyncKind extracts the sync kind from server capabilities.
func GetTextDocumentSyncKind(caps ServerCapabilities) TextDocumentSyncKind {
	if caps.TextDocumentSync == nil {
		return TextDocumentSyncKindNone
	}

	// It can be a number or an object
	switch v := caps.TextDocumentSync.(type) {
	case float64:
		return TextDocumentSyncKind(int(v))
	case int:
		return TextDocumentSyncKind(v)
	case map[string]any:
		if change, ok := v["change"].(float64); ok {
			return TextDocumentSyncKind(int(change))
		}
	}

	return TextDocumentSyncKindFull
}

// CapabilitiesFromMethods builds a declared capability set from short
// names: sync, completion, hover, definition, typeDefinition, references,
// documentSymbol, workspaceSymbol. Unknown names are ignored.
func CapabilitiesFromMethods(methods []string) ServerCapabilities {
	var caps ServerCapabilities
	for _, m := range methods {
		switch m {
		case "sync":
			caps.TextDocumentSync = int(TextDocumentSyncKindFull)
		case "completion":
			caps.CompletionProvider = true
		case "hover":
			caps.HoverProvider = true
		case "definition":
			caps.DefinitionProvider = true
		case "typeDefinition":
			caps.TypeDefinitionProvider = true
		case "references":
			caps.ReferencesProvider = true
		case "documentSymbol":
			caps.DocumentSymbolProvider = true
		case "workspaceSymbol":
			caps.WorkspaceSymbolProvider = true
		}
	}
	return caps
}

// DefaultDeclaredCapabilities is the declared set assumed when a server
// config names none.
func DefaultDeclaredCapabilities() ServerCapabilities {
	return CapabilitiesFromMethods([]string{
		"sync", "completion", "hover", "definition",
		"typeDefinition", "references", "documentSymbol",
	})
}

// --- Diagnostics ---

// PublishDiagnosticsParams are parameters of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Diagnostic is a single issue reported by a server.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     any                `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// DiagnosticSeverity levels.
type DiagnosticSeverity int

const (
	SeverityError DiagnosticSeverity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

// String returns a human-readable severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// --- Hover ---

// Hover is the result of a textDocument/hover request. Contents is loosely
// typed: string, MarkupContent, or an array of marked strings.
type Hover struct {
	Contents any    `json:"contents"`
	Range    *Range `json:"range,omitempty"`
}

// MarkupContent is a string with a markup kind.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// --- Completion ---

// CompletionList is the result of a textDocument/completion request.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// CompletionItem is a single completion candidate.
type CompletionItem struct {
	Label         string `json:"label"`
	Kind          int    `json:"kind,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Documentation any    `json:"documentation,omitempty"`
	SortText      string `json:"sortText,omitempty"`
	FilterText    string `json:"filterText,omitempty"`
	InsertText    string `json:"insertText,omitempty"`
}

// --- Document Symbols ---

// DocumentSymbolParams are parameters for textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DocumentSymbol is a hierarchical symbol with children.
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           SymbolKind       `json:"kind"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// SymbolInformation is the flat symbol shape older servers return.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// SymbolKind identifies the kind of a symbol.
type SymbolKind int

const (
	SymbolKindFile SymbolKind = iota + 1
	SymbolKindModule
	SymbolKindNamespace
	SymbolKindPackage
	SymbolKindClass
	SymbolKindMethod
	SymbolKindProperty
	SymbolKindField
	SymbolKindConstructor
	SymbolKindEnum
	SymbolKindInterface
	SymbolKindFunction
	SymbolKindVariable
	SymbolKindConstant
	SymbolKindString
	SymbolKindNumber
	SymbolKindBoolean
	SymbolKindArray
	SymbolKindObject
	SymbolKindKey
	SymbolKindNull
	SymbolKindEnumMember
	SymbolKindStruct
	SymbolKindEvent
	SymbolKindOperator
	SymbolKindTypeParameter
)

var symbolKindNames = map[SymbolKind]string{
	SymbolKindFile:          "file",
	SymbolKindModule:        "module",
	SymbolKindNamespace:     "namespace",
	SymbolKindPackage:       "package",
	SymbolKindClass:         "class",
	SymbolKindMethod:        "method",
	SymbolKindProperty:      "property",
	SymbolKindField:         "field",
	SymbolKindConstructor:   "constructor",
	SymbolKindEnum:          "enum",
	SymbolKindInterface:     "interface",
	SymbolKindFunction:      "function",
	SymbolKindVariable:      "variable",
	SymbolKindConstant:      "constant",
	SymbolKindString:        "string",
	SymbolKindNumber:        "number",
	SymbolKindBoolean:       "boolean",
	SymbolKindArray:         "array",
	SymbolKindObject:        "object",
	SymbolKindKey:           "key",
	SymbolKindNull:          "null",
	SymbolKindEnumMember:    "enum member",
	SymbolKindStruct:        "struct",
	SymbolKindEvent:         "event",
	SymbolKindOperator:      "operator",
	SymbolKindTypeParameter: "type parameter",
}

// String returns a human-readable symbol kind name.
func (k SymbolKind) String() string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// --- Typed Result Decoding ---
//
// LSP results are union types that vary by server. Each cacheable method
// family gets a tolerant decoder so downstream code operates on typed
// values rather than raw maps.

// ParseLocations decodes a definition/references-family result, which may
// be a single Location, an array of Locations, or an array of LocationLinks.
func ParseLocations(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	// Single Location
	var loc Location
	if err := json.Unmarshal(data, &loc); err == nil && loc.URI != "" {
		return []Location{loc}, nil
	}

	// Array of Location
	var locs []Location
	if err := json.Unmarshal(data, &locs); err == nil && (len(locs) == 0 || locs[0].URI != "") {
		return locs, nil
	}

	// Array of LocationLink
	var links []LocationLink
	if err := json.Unmarshal(data, &links); err == nil {
		out := make([]Location, 0, len(links))
		for _, l := range links {
			out = append(out, Location{URI: l.TargetURI, Range: l.TargetRange})
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: location result", ErrInvalidResponse)
}

// ParseCompletion decodes a completion result, which may be a
// CompletionList or a bare array of items.
func ParseCompletion(data json.RawMessage) (*CompletionList, error) {
	if len(data) == 0 || string(data) == "null" {
		return &CompletionList{}, nil
	}

	var list CompletionList
	if err := json.Unmarshal(data, &list); err == nil && (list.Items != nil || list.IsIncomplete) {
		return &list, nil
	}

	var items []CompletionItem
	if err := json.Unmarshal(data, &items); err == nil {
		return &CompletionList{Items: items}, nil
	}

	return nil, fmt.Errorf("%w: completion result", ErrInvalidResponse)
}

// ParseSymbols decodes a documentSymbol result. Servers return either
// hierarchical DocumentSymbols or flat SymbolInformation; the flat shape is
// lifted into the hierarchical one.
func ParseSymbols(data json.RawMessage) ([]DocumentSymbol, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	// The two shapes share field names, so probe for selectionRange to
	// tell them apart before committing to a decode.
	if gjson.GetBytes(data, "0.selectionRange").Exists() || string(data) == "[]" {
		var syms []DocumentSymbol
		if err := json.Unmarshal(data, &syms); err == nil {
			return syms, nil
		}
	}

	var flat []SymbolInformation
	if err := json.Unmarshal(data, &flat); err == nil {
		syms := make([]DocumentSymbol, 0, len(flat))
		for _, s := range flat {
			syms = append(syms, DocumentSymbol{
				Name:           s.Name,
				Detail:         s.ContainerName,
				Kind:           s.Kind,
				Range:          s.Location.Range,
				SelectionRange: s.Location.Range,
			})
		}
		return syms, nil
	}

	return nil, fmt.Errorf("%w: symbol result", ErrInvalidResponse)
}

// ParseHover decodes a hover result.
func ParseHover(data json.RawMessage) (*Hover, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var h Hover
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: hover result", ErrInvalidResponse)
	}
	return &h, nil
}

// HoverText extracts a plain string from hover contents, which may be a
// string, a MarkupContent object, or an array of marked strings.
func HoverText(h *Hover) string {
	if h == nil || h.Contents == nil {
		return ""
	}

	switch v := h.Contents.(type) {
	case string:
		return v
	case map[string]any:
		if val, ok := v["value"].(string); ok {
			return val
		}
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case string:
				parts = append(parts, m)
			case map[string]any:
				if val, ok := m["value"].(string); ok {
					parts = append(parts, val)
				}
			}
		}
		return strings.Join(parts, "\n")
	}

	return fmt.Sprintf("%v", h.Contents)
}

// FlatSymbol is one row of a flattened symbol tree.
type FlatSymbol struct {
	Name      string     `json:"name"`
	Detail    string     `json:"detail,omitempty"`
	Kind      SymbolKind `json:"kind"`
	Range     Range      `json:"range"`
	Container string     `json:"container,omitempty"`
	Depth     int        `json:"depth"`
}

// FlattenSymbols walks a symbol tree iteratively with an explicit stack,
// so pathologically deep trees cannot exhaust the call stack. Children are
// visited in document order.
func FlattenSymbols(syms []DocumentSymbol) []FlatSymbol {
	type frame struct {
		sym       DocumentSymbol
		container string
		depth     int
	}

	out := make([]FlatSymbol, 0, len(syms))
	stack := make([]frame, 0, len(syms))
	for i := len(syms) - 1; i >= 0; i-- {
		stack = append(stack, frame{sym: syms[i]})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		out = append(out, FlatSymbol{
			Name:      f.sym.Name,
			Detail:    f.sym.Detail,
			Kind:      f.sym.Kind,
			Range:     f.sym.Range,
			Container: f.container,
			Depth:     f.depth,
		})

		for i := len(f.sym.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{
				sym:       f.sym.Children[i],
				container: f.sym.Name,
				depth:     f.depth + 1,
			})
		}
	}

	return out
}

// CountSymbols counts every node of a symbol tree iteratively.
func CountSymbols(syms []DocumentSymbol) int {
	count := 0
	stack := make([]DocumentSymbol, 0, len(syms))
	stack = append(stack, syms...)
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		count++
		stack = append(stack, s.Children...)
	}
	return count
}

// --- Utility Functions ---

// FilePathToURI converts a file path to a DocumentURI.
func FilePathToURI(path string) DocumentURI {
	if path == "" {
		return ""
	}

	// Make path absolute
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	// Convert to forward slashes
	path = filepath.ToSlash(path)

	// On Windows, add extra slash for drive letter
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}

	u := &url.URL{
		Scheme: "file",
		Path:   path,
	}

	return DocumentURI(u.String())
}

// URIToFilePath converts a DocumentURI to a file path.
func URIToFilePath(uri DocumentURI) string {
	if uri == "" {
		return ""
	}

	u, err := url.Parse(string(uri))
	if err != nil {
		return string(uri)
	}

	if u.Scheme != "file" {
		return string(uri)
	}

	path := u.Path

	// On Windows, remove leading slash before drive letter
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	return filepath.FromSlash(path)
}

// Languages routed by the manager.
const (
	LangPython     = "python"
	LangTypeScript = "typescript"
	LangJavaScript = "javascript"
	LangGo         = "go"
	LangRust       = "rust"
	LangPHP        = "php"
	LangJava       = "java"
	LangCPP        = "cpp"
)

// DetectLanguageID maps a file path to one of the supported language ids.
// Returns "" when the extension is not recognized.
func DetectLanguageID(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".py", ".pyi":
		return LangPython
	case ".ts", ".tsx", ".mts", ".cts":
		return LangTypeScript
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".go":
		return LangGo
	case ".rs":
		return LangRust
	case ".php":
		return LangPHP
	case ".java":
		return LangJava
	case ".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx", ".h", ".c":
		return LangCPP
	default:
		return ""
	}
}

// SupportedLanguages lists every language id the manager can route.
func SupportedLanguages() []string {
	return []string{
		LangPython, LangTypeScript, LangJavaScript, LangGo,
		LangRust, LangPHP, LangJava, LangCPP,
	}
}
