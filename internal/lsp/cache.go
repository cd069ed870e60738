package lsp

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// defaultCacheTTL is how long a semantic result stays reusable.
	defaultCacheTTL = 5 * time.Minute

	// defaultCacheCapacity bounds the number of cached results.
	defaultCacheCapacity = 1000

	// cacheEvictDivisor sets the slice of the cache dropped when an
	// insert finds it full: capacity/cacheEvictDivisor oldest-accessed
	// entries, at least one.
	cacheEvictDivisor = 10
)

// cacheableMethods are the read-only queries whose results stay valid
// until their source document changes.
var cacheableMethods = map[string]bool{
	"textDocument/hover":          true,
	"textDocument/completion":     true,
	"textDocument/documentSymbol": true,
	"textDocument/definition":     true,
	"textDocument/typeDefinition": true,
	"textDocument/references":     true,
}

// CacheableMethod reports whether results for method may be served from
// the cache.
func CacheableMethod(method string) bool {
	return cacheableMethods[method]
}

// CacheMetadata describes a cached result for invalidation and reporting.
// Dependencies holds every other document the result references; a change
// to any of them invalidates the entry.
type CacheMetadata struct {
	Language       string        `json:"language"`
	FileURI        DocumentURI   `json:"fileUri"`
	Dependencies   []DocumentURI `json:"dependencies,omitempty"`
	SymbolCount    int           `json:"symbolCount,omitempty"`
	TokenEstimate  int           `json:"tokenEstimate"`
	TokenReduction float64       `json:"tokenReduction"`
}

// CacheEntry is one cached semantic result.
type CacheEntry struct {
	Result       json.RawMessage
	Metadata     CacheMetadata
	CachedAt     time.Time
	LastAccessed time.Time
}

// CacheStats is a point-in-time summary of the result cache.
type CacheStats struct {
	Entries  int   `json:"entries"`
	Capacity int   `json:"capacity"`
	TTLMS    int64 `json:"ttlMs"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// resultCache stores semantic query results keyed by language, method,
// document and position. Expiration is lazy: stale entries are dropped by
// the read that finds them, not by a background sweeper.
type resultCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	ttl      time.Duration
	capacity int

	hits   atomic.Int64
	misses atomic.Int64
}

func newResultCache(ttl time.Duration, capacity int) *resultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &resultCache{
		entries:  make(map[string]*CacheEntry),
		ttl:      ttl,
		capacity: capacity,
	}
}

// get returns the entry for key if present and fresh.
func (rc *resultCache) get(key string) (*CacheEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e, ok := rc.entries[key]
	if !ok {
		rc.misses.Add(1)
		return nil, false
	}
	if time.Since(e.CachedAt) > rc.ttl {
		delete(rc.entries, key)
		rc.misses.Add(1)
		return nil, false
	}

	e.LastAccessed = time.Now()
	rc.hits.Add(1)
	return e, true
}

// put stores a result, evicting the oldest-accessed tenth of the cache
// when at capacity.
func (rc *resultCache) put(key string, result json.RawMessage, meta CacheMetadata) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.entries[key]; !ok && len(rc.entries) >= rc.capacity {
		rc.evictLocked()
	}

	now := time.Now()
	rc.entries[key] = &CacheEntry{
		Result:       result,
		Metadata:     meta,
		CachedAt:     now,
		LastAccessed: now,
	}
}

// evictLocked removes the least recently accessed entries. Callers hold
// rc.mu.
func (rc *resultCache) evictLocked() {
	n := rc.capacity / cacheEvictDivisor
	if n < 1 {
		n = 1
	}
	if n > len(rc.entries) {
		n = len(rc.entries)
	}

	type victim struct {
		key      string
		accessed time.Time
	}
	victims := make([]victim, 0, len(rc.entries))
	for k, e := range rc.entries {
		victims = append(victims, victim{key: k, accessed: e.LastAccessed})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].accessed.Before(victims[j].accessed)
	})

	for _, v := range victims[:n] {
		delete(rc.entries, v.key)
	}
}

// invalidate removes every entry produced from uri, either as the queried
// document or as a recorded dependency. Returns the number removed.
func (rc *resultCache) invalidate(uri DocumentURI) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	removed := 0
	for k, e := range rc.entries {
		if rc.dependsOn(e, uri) {
			delete(rc.entries, k)
			removed++
		}
	}
	return removed
}

func (rc *resultCache) dependsOn(e *CacheEntry, uri DocumentURI) bool {
	if e.Metadata.FileURI == uri {
		return true
	}
	for _, dep := range e.Metadata.Dependencies {
		if dep == uri {
			return true
		}
	}
	return false
}

// hasDocument reports whether any entry was produced by querying uri.
// The update queue uses this to prioritize documents with live results.
func (rc *resultCache) hasDocument(uri DocumentURI) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, e := range rc.entries {
		if e.Metadata.FileURI == uri {
			return true
		}
	}
	return false
}

// clear drops every entry and returns the number removed.
func (rc *resultCache) clear() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	n := len(rc.entries)
	rc.entries = make(map[string]*CacheEntry)
	return n
}

func (rc *resultCache) size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}

func (rc *resultCache) stats() CacheStats {
	rc.mu.Lock()
	entries := len(rc.entries)
	rc.mu.Unlock()

	return CacheStats{
		Entries:  entries,
		Capacity: rc.capacity,
		TTLMS:    rc.ttl.Milliseconds(),
		Hits:     rc.hits.Load(),
		Misses:   rc.misses.Load(),
	}
}

// cacheKey builds the cache identity for a request: language, method,
// document, and position when the params carry one. Params are inspected
// without a full decode.
func cacheKey(language, method string, params json.RawMessage) string {
	uri := gjson.GetBytes(params, "textDocument.uri").Str
	pos := gjson.GetBytes(params, "position")
	if pos.Exists() {
		return fmt.Sprintf("%s:%s:%s:%d:%d", language, method, uri,
			pos.Get("line").Int(), pos.Get("character").Int())
	}
	return fmt.Sprintf("%s:%s:%s", language, method, uri)
}

// paramsURI extracts the queried document from request params.
func paramsURI(params json.RawMessage) DocumentURI {
	return DocumentURI(gjson.GetBytes(params, "textDocument.uri").Str)
}

// harvestMetadata inspects a result for the numbers and cross-file
// dependencies the cache needs. Every uri mentioned in the result marks a
// document whose change must invalidate this entry.
func harvestMetadata(language string, fileURI DocumentURI, method string, result json.RawMessage) CacheMetadata {
	meta := CacheMetadata{
		Language:      language,
		FileURI:       fileURI,
		Dependencies:  collectResultURIs(result, fileURI),
		TokenEstimate: tokenEstimate(result),
	}
	if method == "textDocument/documentSymbol" {
		if syms, err := ParseSymbols(result); err == nil {
			meta.SymbolCount = CountSymbols(syms)
		}
	}
	return meta
}

// collectResultURIs walks a result with an explicit stack and gathers
// every uri or targetUri string, except the queried document itself.
// Results are deep (nested locations, links, children) so the walk never
// recurses.
func collectResultURIs(result json.RawMessage, skip DocumentURI) []DocumentURI {
	var deps []DocumentURI
	seen := map[DocumentURI]bool{skip: true}

	stack := []gjson.Result{gjson.ParseBytes(result)}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !v.IsObject() && !v.IsArray() {
			continue
		}
		v.ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.String && (key.Str == "uri" || key.Str == "targetUri") {
				u := DocumentURI(value.Str)
				if !seen[u] {
					seen[u] = true
					deps = append(deps, u)
				}
				return true
			}
			if value.IsObject() || value.IsArray() {
				stack = append(stack, value)
			}
			return true
		})
	}
	return deps
}

// tokenEstimate approximates tokens as one per four bytes of JSON.
func tokenEstimate(data []byte) int {
	return len(data) / 4
}

// tokenReduction estimates how much of the source document a consumer
// avoids reading by using this result instead. Zero when the document
// content is unknown or the result is no smaller.
func tokenReduction(resultTokens, sourceTokens int) float64 {
	if sourceTokens <= 0 || resultTokens >= sourceTokens {
		return 0
	}
	return 1 - float64(resultTokens)/float64(sourceTokens)
}
