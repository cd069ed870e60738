package lsp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"log/slog"
)

const (
	// defaultRequestTimeout caps a request round trip when the caller's
	// context carries no deadline.
	defaultRequestTimeout = 5 * time.Second

	// defaultEventBuffer sizes the lifecycle event channel. Events are
	// dropped, never blocked on, when the consumer falls behind.
	defaultEventBuffer = 64
)

// ManagerConfig configures the manager.
type ManagerConfig struct {
	// Servers maps a language to its server launch configuration.
	Servers map[string]LanguageServerConfig

	// MaxPoolSize bounds connections per language.
	MaxPoolSize int

	// RequestTimeout is the default per-request deadline.
	RequestTimeout time.Duration

	// CacheTTL and CacheCapacity size the semantic result cache.
	CacheTTL      time.Duration
	CacheCapacity int

	// WorkspaceRoot, when set, becomes the root and sole workspace
	// folder for servers whose config does not name one.
	WorkspaceRoot string

	// EventBuffer sizes the lifecycle event channel.
	EventBuffer int
}

// Manager coordinates pooled connections to multiple language servers.
// It is the single entry point for LSP operations: requests are routed by
// language, answered from the semantic result cache when possible, and
// correlated back to the caller with a per-request deadline.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*pool
	configs map[string]LanguageServerConfig

	cfg     ManagerConfig
	cache   *resultCache
	docs    *documentStore
	diags   *diagnosticsStore
	metrics *Metrics

	updates *updateQueue
	batches *batchQueue

	flight singleflight.Group

	launcher Launcher
	logger   *slog.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithLauncher overrides how server processes are spawned.
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.launcher = l
		}
	}
}

// NewManager creates a manager and starts its background loops. Language
// servers are not spawned until the first request needs one.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = defaultMaxPoolSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pools:    make(map[string]*pool),
		configs:  make(map[string]LanguageServerConfig),
		cfg:      cfg,
		cache:    newResultCache(cfg.CacheTTL, cfg.CacheCapacity),
		docs:     newDocumentStore(),
		diags:    newDiagnosticsStore(),
		metrics:  NewMetrics(),
		updates:  newUpdateQueue(),
		batches:  newBatchQueue(),
		launcher: NewExecLauncher(),
		logger:   slog.Default(),
		events:   make(chan Event, cfg.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	for lang, sc := range cfg.Servers {
		m.configs[lang] = sc
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(2)
	go m.documentLoop()
	go m.batchLoop()

	return m
}

// RegisterServer registers or replaces a server configuration for a
// language. An existing pool keeps its old configuration until recycled.
func (m *Manager) RegisterServer(language string, cfg LanguageServerConfig) {
	m.mu.Lock()
	m.configs[language] = cfg
	m.mu.Unlock()
}

// RegisteredLanguages returns the languages with a server configuration.
func (m *Manager) RegisteredLanguages() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	langs := make([]string, 0, len(m.configs))
	for lang := range m.configs {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Metrics exposes the collector, including its Prometheus registry.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Events returns the lifecycle event stream. The channel is never closed;
// consumers should select against their own done signal.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// emitEvent fans a lifecycle event out to metrics, the log, and the event
// channel. Slow consumers lose events rather than stall the pool.
func (m *Manager) emitEvent(e Event) {
	m.metrics.ObserveEvent(e)
	m.logger.Debug("lifecycle event",
		"event", e.Type.String(), "language", e.Language, "conn", e.ConnID, "error", e.Err)
	select {
	case m.events <- e:
	default:
	}
}

// getPool returns the pool for a language, creating it on first use.
func (m *Manager) getPool(language string) (*pool, error) {
	m.mu.RLock()
	p, ok := m.pools[language]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if p, ok = m.pools[language]; ok {
		return p, nil
	}

	cfg, ok := m.configs[language]
	if !ok {
		return nil, &ServerError{Language: language, Err: ErrNoServer}
	}

	p = newPool(m.ctx, language, m.applyWorkspace(cfg), m.cfg.MaxPoolSize, m.launcher, m.logger, m.emitEvent)
	p.notify = func(method string, params json.RawMessage) {
		m.handleServerNotification(language, method, params)
	}
	m.pools[language] = p
	return p, nil
}

// lookupPool returns the pool for a language without creating one.
func (m *Manager) lookupPool(language string) *pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[language]
}

// applyWorkspace fills the detected workspace folders into a server
// config that does not carry its own.
func (m *Manager) applyWorkspace(cfg LanguageServerConfig) LanguageServerConfig {
	if m.cfg.WorkspaceRoot == "" || cfg.RootURI != "" {
		return cfg
	}
	folders := DetectWorkspaceFolders(m.cfg.WorkspaceRoot)
	cfg.RootURI = folders[0].URI
	cfg.WorkspaceFolders = folders
	return cfg
}

// handleServerNotification routes server-initiated notifications.
func (m *Manager) handleServerNotification(language, method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			m.logger.Debug("malformed publishDiagnostics", "language", language, "error", err)
			return
		}
		m.diags.publish(p)
	default:
		m.logger.Debug("server notification", "language", language, "method", method)
	}
}

// marshalParams normalizes request params to raw JSON. Raw bytes pass
// through untouched so cache keys see exactly what the server will.
func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// SendRequest routes one request to the language's pooled connection:
// cache lookup first, then acquire, send, and correlate. Identical
// cacheable requests issued concurrently share a single round trip. The
// default deadline applies only when ctx carries none.
func (m *Manager) SendRequest(ctx context.Context, language, method string, params any) (json.RawMessage, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	uri := paramsURI(raw)
	start := time.Now()

	if !CacheableMethod(method) {
		result, err := m.dispatch(ctx, language, method, raw)
		m.finishRequest(language, method, uri, time.Since(start), false, err)
		return result, err
	}

	key := cacheKey(language, method, raw)
	if e, ok := m.cache.get(key); ok {
		m.finishRequest(language, method, uri, time.Since(start), true, nil)
		return e.Result, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		result, err := m.dispatch(ctx, language, method, raw)
		if err != nil {
			return nil, err
		}
		meta := harvestMetadata(language, uri, method, result)
		meta.TokenReduction = tokenReduction(meta.TokenEstimate, m.docs.sourceTokens(uri))
		m.cache.put(key, result, meta)
		m.metrics.SetCacheEntries(m.cache.size())
		return result, nil
	})
	m.finishRequest(language, method, uri, time.Since(start), false, err)
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (m *Manager) finishRequest(language, method string, uri DocumentURI, d time.Duration, cacheHit bool, err error) {
	m.metrics.RecordRequest(language, method, d, cacheHit, err != nil)
	if uri != "" {
		m.docs.recordAccess(uri)
	}
	if err != nil {
		m.logger.Warn("request failed", "language", language, "method", method, "error", err)
	}
}

// dispatch acquires a connection and performs the round trip.
func (m *Manager) dispatch(ctx context.Context, language, method string, params json.RawMessage) (json.RawMessage, error) {
	p, err := m.getPool(language)
	if err != nil {
		return nil, err
	}
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.SetPoolSize(language, p.size())

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}
	return conn.Request(ctx, method, params)
}

// SendNotification routes a fire-and-forget notification. Failures are
// logged and counted; the document flow must not break on a lost
// notification.
func (m *Manager) SendNotification(ctx context.Context, language, method string, params any) error {
	if m.closed.Load() {
		return ErrShutdown
	}

	p, err := m.getPool(language)
	if err != nil {
		m.metrics.RecordNotifyFailure(language)
		return err
	}
	conn, err := p.acquire(ctx)
	if err != nil {
		m.metrics.RecordNotifyFailure(language)
		return err
	}

	if err := conn.Notify(ctx, method, params); err != nil {
		m.metrics.RecordNotifyFailure(language)
		m.logger.Warn("notification failed", "language", language, "method", method, "error", err)
		return err
	}
	return nil
}

// SynchronizeDocument brings the server's view of uri up to date with
// content: didOpen on first sight, didChange when the content hash moved,
// nothing otherwise. A sent change invalidates every cached result built
// from the document.
func (m *Manager) SynchronizeDocument(ctx context.Context, uri DocumentURI, content, language string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	if language == "" {
		language = DetectLanguageID(string(uri))
	}

	st := m.docs.state(uri)
	st.mu.Lock()
	defer st.mu.Unlock()

	kind, hash := st.plan(content)
	if kind == syncNone {
		return nil
	}

	p, err := m.getPool(language)
	if err != nil {
		return err
	}
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	version := st.version + 1
	switch kind {
	case syncOpen:
		err = conn.Notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: language,
				Version:    version,
				Text:       content,
			},
		})
	case syncChange:
		err = conn.Notify(ctx, "textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument: VersionedTextDocumentIdentifier{
				URI:     uri,
				Version: version,
			},
			ContentChanges: []TextDocumentContentChangeEvent{{Text: content}},
		})
	}
	if err != nil {
		m.metrics.RecordNotifyFailure(language)
		m.logger.Warn("document sync failed", "uri", uri, "error", err)
		return err
	}

	st.commit(kind, language, content, hash)
	if kind == syncChange {
		removed := m.cache.invalidate(uri)
		if removed > 0 {
			m.logger.Debug("invalidated cache entries", "uri", uri, "count", removed)
		}
		m.metrics.SetCacheEntries(m.cache.size())
	}
	return nil
}

// CloseDocument sends didClose and drops all local state for uri.
func (m *Manager) CloseDocument(ctx context.Context, uri DocumentURI) error {
	if m.closed.Load() {
		return ErrShutdown
	}

	st := m.docs.lookup(uri)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	language := st.language
	opened := st.opened
	st.mu.Unlock()

	m.docs.forget(uri)
	m.diags.drop(uri)
	m.cache.invalidate(uri)
	m.metrics.SetCacheEntries(m.cache.size())

	if !opened {
		return nil
	}
	if p := m.lookupPool(language); p != nil {
		conn, err := p.acquire(ctx)
		if err != nil {
			return err
		}
		return conn.Notify(ctx, "textDocument/didClose", DidCloseTextDocumentParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
		})
	}
	return nil
}

// BatchItem is one request in a batch, tagged with a caller-chosen id.
type BatchItem struct {
	ID       string          `json:"id"`
	Language string          `json:"language"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// BatchResult is the outcome for one batch item.
type BatchResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    error           `json:"-"`
}

// BatchRequests fans the items out concurrently and collects per-id
// outcomes. A failing item never aborts its siblings.
func (m *Manager) BatchRequests(ctx context.Context, items []BatchItem) map[string]BatchResult {
	results := make([]BatchResult, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			result, err := m.SendRequest(ctx, item.Language, item.Method, item.Params)
			results[i] = BatchResult{ID: item.ID, Result: result, Err: err}
		}(i, item)
	}
	wg.Wait()

	out := make(map[string]BatchResult, len(items))
	for _, r := range results {
		out[r.ID] = r
	}
	return out
}

// ServerStatus reports the active connection for a language, or nil when
// the language has no pool yet.
func (m *Manager) ServerStatus(language string) *Status {
	p := m.lookupPool(language)
	if p == nil {
		return nil
	}
	return p.activeStatus()
}

// AllServerStatuses reports the active connection per language with a
// live pool.
func (m *Manager) AllServerStatuses() map[string]*Status {
	m.mu.RLock()
	pools := make(map[string]*pool, len(m.pools))
	for lang, p := range m.pools {
		pools[lang] = p
	}
	m.mu.RUnlock()

	out := make(map[string]*Status, len(pools))
	for lang, p := range pools {
		if st := p.activeStatus(); st != nil {
			out[lang] = st
		}
	}
	return out
}

// PoolStatuses reports every connection in one language's pool.
func (m *Manager) PoolStatuses(language string) []*Status {
	p := m.lookupPool(language)
	if p == nil {
		return nil
	}
	return p.statuses()
}

// Invalidate drops every cached result produced from uri.
func (m *Manager) Invalidate(uri DocumentURI) int {
	removed := m.cache.invalidate(uri)
	m.metrics.SetCacheEntries(m.cache.size())
	return removed
}

// ClearCache drops the whole result cache.
func (m *Manager) ClearCache() int {
	removed := m.cache.clear()
	m.metrics.SetCacheEntries(0)
	return removed
}

// TracksDocument reports whether uri has been synchronized through the
// manager and still has document state.
func (m *Manager) TracksDocument(uri DocumentURI) bool {
	return m.docs.lookup(uri) != nil
}

// Diagnostics returns the retained diagnostics for uri.
func (m *Manager) Diagnostics(uri DocumentURI) []Diagnostic {
	return m.diags.get(uri)
}

// AllDiagnostics returns every document with retained diagnostics.
func (m *Manager) AllDiagnostics() map[DocumentURI][]Diagnostic {
	return m.diags.all()
}

// OptimizeReport summarizes one optimization pass over every pool.
type OptimizeReport struct {
	Pools             []PoolOptimization `json:"pools"`
	ConnectionsClosed int                `json:"connectionsClosed"`
	EstimatedMemoryMB int                `json:"estimatedMemoryMb"`
	CacheEntries      int                `json:"cacheEntries"`
	At                time.Time          `json:"at"`
}

// Optimize removes unhealthy connections everywhere and shrinks pools
// whose recent utilization does not justify their size.
func (m *Manager) Optimize() OptimizeReport {
	m.mu.RLock()
	langs := make([]string, 0, len(m.pools))
	pools := make(map[string]*pool, len(m.pools))
	for lang, p := range m.pools {
		langs = append(langs, lang)
		pools[lang] = p
	}
	m.mu.RUnlock()
	sort.Strings(langs)

	report := OptimizeReport{At: time.Now()}
	for _, lang := range langs {
		p := pools[lang]
		usage := m.metrics.AverageUsage(lang, p.healthyCount())
		po := p.optimize(usage)
		report.Pools = append(report.Pools, po)
		report.ConnectionsClosed += po.RemovedUnhealthy + po.RemovedIdle
		m.metrics.SetPoolSize(lang, po.Remaining)
	}
	report.EstimatedMemoryMB = report.ConnectionsClosed * estServerMemoryMB
	report.CacheEntries = m.cache.size()

	m.logger.Info("pool optimization",
		"closed", report.ConnectionsClosed, "estimatedMemoryMb", report.EstimatedMemoryMB)
	return report
}

// ManagerStats aggregates the observable state in one snapshot.
type ManagerStats struct {
	Cache     CacheStats         `json:"cache"`
	Metrics   MetricsSnapshot    `json:"metrics"`
	Servers   map[string]*Status `json:"servers"`
	Documents []DocumentInfo     `json:"documents"`
	Queue     QueueStats         `json:"queue"`
}

// Stats returns a point-in-time snapshot across all subsystems.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Cache:     m.cache.stats(),
		Metrics:   m.metrics.Snapshot(),
		Servers:   m.AllServerStatuses(),
		Documents: m.docs.snapshot(),
		Queue:     m.queueStats(),
	}
}

// ShutdownAll gracefully stops every pooled connection across all
// languages in parallel, then the background loops. Safe to call more
// than once.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool)
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(func() error {
			return p.shutdown(ctx)
		})
	}
	err := g.Wait()

	m.cancel()
	m.wg.Wait()

	m.logger.Info("manager shut down", "pools", len(pools))
	return err
}

// WorkspaceFolderFromPath creates a workspace folder from a directory
// path.
func WorkspaceFolderFromPath(path string) WorkspaceFolder {
	absPath, _ := filepath.Abs(path)
	return WorkspaceFolder{
		URI:  FilePathToURI(absPath),
		Name: filepath.Base(absPath),
	}
}

// projectMarkers are the files that identify a directory as a project
// root.
var projectMarkers = []string{
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"setup.py",
	"composer.json",
	"pom.xml",
	"compile_commands.json",
	".git",
}

// DetectWorkspaceFolders resolves root to workspace folders. A root that
// carries a project marker is a single folder. Otherwise the immediate
// subdirectories carrying a marker become the folders (monorepo layout),
// falling back to the bare root when none do.
func DetectWorkspaceFolders(root string) []WorkspaceFolder {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return []WorkspaceFolder{WorkspaceFolderFromPath(root)}
	}

	if hasProjectMarker(absRoot) {
		return []WorkspaceFolder{WorkspaceFolderFromPath(absRoot)}
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return []WorkspaceFolder{WorkspaceFolderFromPath(absRoot)}
	}
	var folders []WorkspaceFolder
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if hasProjectMarker(filepath.Join(absRoot, e.Name())) {
			folders = append(folders, WorkspaceFolderFromPath(filepath.Join(absRoot, e.Name())))
		}
	}
	if len(folders) == 0 {
		return []WorkspaceFolder{WorkspaceFolderFromPath(absRoot)}
	}
	return folders
}

func hasProjectMarker(dir string) bool {
	for _, marker := range projectMarkers {
		if fileExists(filepath.Join(dir, marker)) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DefaultServerConfigs returns launch configurations for the supported
// language servers.
func DefaultServerConfigs() map[string]LanguageServerConfig {
	return map[string]LanguageServerConfig{
		LangPython: {
			Command: "pylsp",
		},
		LangTypeScript: {
			Command: "typescript-language-server",
			Args:    []string{"--stdio"},
		},
		LangJavaScript: {
			Command: "typescript-language-server",
			Args:    []string{"--stdio"},
		},
		LangGo: {
			Command: "gopls",
			Args:    []string{"serve"},
		},
		LangRust: {
			Command: "rust-analyzer",
		},
		LangPHP: {
			Command: "intelephense",
			Args:    []string{"--stdio"},
		},
		LangJava: {
			Command: "jdtls",
		},
		LangCPP: {
			Command: "clangd",
		},
	}
}

// AutoDetectServers returns the default configurations whose commands are
// present on PATH.
func AutoDetectServers() map[string]LanguageServerConfig {
	available := make(map[string]LanguageServerConfig)
	for lang, cfg := range DefaultServerConfigs() {
		if _, err := exec.LookPath(cfg.Command); err == nil {
			available[lang] = cfg
		}
	}
	return available
}
