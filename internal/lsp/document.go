package lsp

import (
	"crypto/sha256"
	"strings"
	"sync"
	"time"
)

const (
	// hotAccessThreshold is how many reads mark a document as hot for
	// update-queue priority.
	hotAccessThreshold = 3

	// hotAccessWindow bounds how long ago the last read may be for a
	// document to still count as hot.
	hotAccessWindow = 5 * time.Minute
)

// structuralKeywords mark declaration-shaped edits across the supported
// languages. A change to the declaration count is treated as structural.
var structuralKeywords = []string{
	"func ", "function ", "def ", "class ", "fn ",
	"struct ", "interface ", "trait ", "impl ", "enum ",
}

func declCount(content string) int {
	n := 0
	for _, kw := range structuralKeywords {
		n += strings.Count(content, kw)
	}
	return n
}

// syncKind is the notification a document sync decided to send.
type syncKind int

const (
	syncNone syncKind = iota
	syncOpen
	syncChange
)

// docState tracks one synchronized document. Its mutex also serializes the
// open/change notifications for the document, so a dedupe decision and its
// send cannot interleave with a concurrent sync of the same file.
type docState struct {
	mu sync.Mutex

	language   string
	version    int
	hash       [32]byte
	opened     bool
	contentLen int
	decls      int
	structural bool
	syncedAt   time.Time

	accessMu    sync.Mutex
	accessCount int
	lastAccess  time.Time
}

// plan decides what must be sent for the document to reflect content.
// Callers hold st.mu across plan, the send, and commit.
func (st *docState) plan(content string) (syncKind, [32]byte) {
	h := sha256.Sum256([]byte(content))
	if !st.opened {
		return syncOpen, h
	}
	if st.hash == h {
		return syncNone, h
	}
	return syncChange, h
}

// commit records a successfully sent sync and bumps the version.
func (st *docState) commit(kind syncKind, language, content string, h [32]byte) {
	decls := declCount(content)
	if kind == syncChange {
		st.structural = decls != st.decls
	}
	st.language = language
	st.hash = h
	st.opened = true
	st.contentLen = len(content)
	st.decls = decls
	st.version++
	st.syncedAt = time.Now()
}

// DocumentInfo is a point-in-time view of one tracked document.
type DocumentInfo struct {
	URI          DocumentURI `json:"uri"`
	Language     string      `json:"language"`
	Version      int         `json:"version"`
	ContentBytes int         `json:"contentBytes"`
	AccessCount  int         `json:"accessCount"`
	SyncedAt     time.Time   `json:"syncedAt"`
}

// documentStore keeps the last-seen state of every synchronized document.
// It backs the didOpen/didChange dedupe and carries the access and
// structural signals the update queue prioritizes on.
type documentStore struct {
	mu   sync.Mutex
	docs map[DocumentURI]*docState
}

func newDocumentStore() *documentStore {
	return &documentStore{docs: make(map[DocumentURI]*docState)}
}

// state returns the tracked entry for uri, creating it on first sight.
func (ds *documentStore) state(uri DocumentURI) *docState {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	st, ok := ds.docs[uri]
	if !ok {
		st = &docState{}
		ds.docs[uri] = st
	}
	return st
}

// lookup returns the tracked entry for uri without creating one.
func (ds *documentStore) lookup(uri DocumentURI) *docState {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.docs[uri]
}

// forget drops a document, typically after didClose.
func (ds *documentStore) forget(uri DocumentURI) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.docs, uri)
}

// recordAccess notes a semantic query against uri.
func (ds *documentStore) recordAccess(uri DocumentURI) {
	st := ds.lookup(uri)
	if st == nil {
		return
	}
	st.accessMu.Lock()
	st.accessCount++
	st.lastAccess = time.Now()
	st.accessMu.Unlock()
}

// hot reports whether uri has seen enough recent reads to deserve
// priority treatment in the update queue.
func (ds *documentStore) hot(uri DocumentURI) bool {
	st := ds.lookup(uri)
	if st == nil {
		return false
	}
	st.accessMu.Lock()
	defer st.accessMu.Unlock()
	return st.accessCount > hotAccessThreshold && time.Since(st.lastAccess) < hotAccessWindow
}

// structuralChange reports whether the document's last change altered its
// declaration count.
func (ds *documentStore) structuralChange(uri DocumentURI) bool {
	st := ds.lookup(uri)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.structural
}

// sourceTokens estimates the token size of the document's last-seen
// content, for cache reduction reporting.
func (ds *documentStore) sourceTokens(uri DocumentURI) int {
	st := ds.lookup(uri)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.contentLen / 4
}

// snapshot lists every tracked document.
func (ds *documentStore) snapshot() []DocumentInfo {
	ds.mu.Lock()
	uris := make([]DocumentURI, 0, len(ds.docs))
	states := make([]*docState, 0, len(ds.docs))
	for uri, st := range ds.docs {
		uris = append(uris, uri)
		states = append(states, st)
	}
	ds.mu.Unlock()

	out := make([]DocumentInfo, 0, len(states))
	for i, st := range states {
		st.mu.Lock()
		info := DocumentInfo{
			URI:          uris[i],
			Language:     st.language,
			Version:      st.version,
			ContentBytes: st.contentLen,
			SyncedAt:     st.syncedAt,
		}
		st.mu.Unlock()

		st.accessMu.Lock()
		info.AccessCount = st.accessCount
		st.accessMu.Unlock()

		out = append(out, info)
	}
	return out
}

// maxDiagnosticsPerURI caps retained diagnostics per document. A server
// flooding one file keeps every other document's diagnostics intact.
const maxDiagnosticsPerURI = 1000

// diagnosticsStore retains the latest published diagnostics per document.
// Servers push these unsolicited; tools read them on demand.
type diagnosticsStore struct {
	mu    sync.RWMutex
	byURI map[DocumentURI][]Diagnostic
}

func newDiagnosticsStore() *diagnosticsStore {
	return &diagnosticsStore{byURI: make(map[DocumentURI][]Diagnostic)}
}

// publish replaces the diagnostics for one document. An empty set clears
// it, matching publishDiagnostics semantics.
func (d *diagnosticsStore) publish(p PublishDiagnosticsParams) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(p.Diagnostics) == 0 {
		delete(d.byURI, p.URI)
		return
	}
	diags := p.Diagnostics
	if len(diags) > maxDiagnosticsPerURI {
		diags = diags[:maxDiagnosticsPerURI]
	}
	d.byURI[p.URI] = diags
}

// get returns a copy of the retained diagnostics for uri.
func (d *diagnosticsStore) get(uri DocumentURI) []Diagnostic {
	d.mu.RLock()
	defer d.mu.RUnlock()

	diags, ok := d.byURI[uri]
	if !ok {
		return nil
	}
	out := make([]Diagnostic, len(diags))
	copy(out, diags)
	return out
}

// all returns every document with retained diagnostics.
func (d *diagnosticsStore) all() map[DocumentURI][]Diagnostic {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[DocumentURI][]Diagnostic, len(d.byURI))
	for uri, diags := range d.byURI {
		cp := make([]Diagnostic, len(diags))
		copy(cp, diags)
		out[uri] = cp
	}
	return out
}

// drop clears retained diagnostics for uri.
func (d *diagnosticsStore) drop(uri DocumentURI) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byURI, uri)
}
