package lsp

import (
	"context"
	"sync"
	"time"
)

const (
	// documentTick is how often the highest-priority pending document
	// change per language is flushed.
	documentTick = 50 * time.Millisecond

	// batchTick is how often deferred requests are drained.
	batchTick = 100 * time.Millisecond

	// batchPerLanguage caps how many deferred requests one language may
	// contribute per tick.
	batchPerLanguage = 10
)

// updateTask is one queued document change.
type updateTask struct {
	uri        DocumentURI
	content    string
	language   string
	structural bool
	queuedAt   time.Time
}

// updateQueue holds pending document changes per language. A newer change
// to a queued document replaces its content in place and keeps its queue
// position.
type updateQueue struct {
	mu    sync.Mutex
	tasks map[string]map[DocumentURI]*updateTask
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{tasks: make(map[string]map[DocumentURI]*updateTask)}
}

func (q *updateQueue) enqueue(t *updateTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	byURI := q.tasks[t.language]
	if byURI == nil {
		byURI = make(map[DocumentURI]*updateTask)
		q.tasks[t.language] = byURI
	}
	if old, ok := byURI[t.uri]; ok {
		old.content = t.content
		old.structural = t.structural
		return
	}
	byURI[t.uri] = t
}

// takeBest removes and returns the single highest-priority task per
// language. Ties go to the longest-queued task.
func (q *updateQueue) takeBest(score func(*updateTask) int) []*updateTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*updateTask
	for lang, byURI := range q.tasks {
		var best *updateTask
		bestScore := -1
		for _, t := range byURI {
			s := score(t)
			if s > bestScore || (s == bestScore && t.queuedAt.Before(best.queuedAt)) {
				best, bestScore = t, s
			}
		}
		if best != nil {
			delete(byURI, best.uri)
			if len(byURI) == 0 {
				delete(q.tasks, lang)
			}
			out = append(out, best)
		}
	}
	return out
}

func (q *updateQueue) depth() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	out := make(map[string]int, len(q.tasks))
	for lang, byURI := range q.tasks {
		out[lang] = len(byURI)
	}
	return out
}

// queuedBatch is a deferred request with an optional reply channel.
type queuedBatch struct {
	item  BatchItem
	reply chan<- BatchResult
}

// batchQueue holds deferred requests per language, drained in FIFO order
// up to a per-language cap each tick.
type batchQueue struct {
	mu    sync.Mutex
	items map[string][]queuedBatch
}

func newBatchQueue() *batchQueue {
	return &batchQueue{items: make(map[string][]queuedBatch)}
}

func (q *batchQueue) enqueue(item BatchItem, reply chan<- BatchResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.Language] = append(q.items[item.Language], queuedBatch{item: item, reply: reply})
}

// take removes up to max queued requests per language.
func (q *batchQueue) take(max int) []queuedBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []queuedBatch
	for lang, queued := range q.items {
		n := max
		if n > len(queued) {
			n = len(queued)
		}
		out = append(out, queued[:n]...)
		if n == len(queued) {
			delete(q.items, lang)
		} else {
			q.items[lang] = queued[n:]
		}
	}
	return out
}

func (q *batchQueue) depth() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := make(map[string]int, len(q.items))
	for lang, queued := range q.items {
		out[lang] = len(queued)
	}
	return out
}

// QueueStats reports the backlog of both deferred-work queues.
type QueueStats struct {
	DocumentUpdates map[string]int `json:"documentUpdates,omitempty"`
	BatchRequests   map[string]int `json:"batchRequests,omitempty"`
}

func (m *Manager) queueStats() QueueStats {
	return QueueStats{
		DocumentUpdates: m.updates.depth(),
		BatchRequests:   m.batches.depth(),
	}
}

// QueueDocumentUpdate defers a document sync to the next update tick.
// Rapid changes to the same document collapse; only the newest content
// reaches the server.
func (m *Manager) QueueDocumentUpdate(uri DocumentURI, content, language string) {
	if m.closed.Load() {
		return
	}
	if language == "" {
		language = DetectLanguageID(string(uri))
	}
	m.updates.enqueue(&updateTask{
		uri:        uri,
		content:    content,
		language:   language,
		structural: m.pendingStructural(uri, content),
		queuedAt:   time.Now(),
	})
}

// pendingStructural compares the pending content's declaration count with
// the last synced one.
func (m *Manager) pendingStructural(uri DocumentURI, content string) bool {
	st := m.docs.lookup(uri)
	if st == nil {
		return declCount(content) > 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return declCount(content) != st.decls
}

// EnqueueRequest defers a request to the next batch tick. When reply is
// non-nil the outcome is delivered on it without blocking, so it should
// have capacity for one result. Ids must be unique among requests queued
// together; duplicates share one outcome.
func (m *Manager) EnqueueRequest(item BatchItem, reply chan<- BatchResult) {
	if m.closed.Load() {
		if reply != nil {
			select {
			case reply <- BatchResult{ID: item.ID, Err: ErrShutdown}:
			default:
			}
		}
		return
	}
	m.batches.enqueue(item, reply)
}

// documentLoop flushes the highest-priority pending document change per
// language on a fixed tick. Staleness up to one tick is accepted; the
// point is bounding burst load on the server processes.
func (m *Manager) documentLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(documentTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.flushDocumentUpdates()
		}
	}
}

func (m *Manager) flushDocumentUpdates() {
	tasks := m.updates.takeBest(m.scoreUpdate)
	for _, t := range tasks {
		go func(t *updateTask) {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
			defer cancel()
			if err := m.SynchronizeDocument(ctx, t.uri, t.content, t.language); err != nil {
				m.logger.Debug("queued document sync failed", "uri", t.uri, "error", err)
			}
		}(t)
	}
}

// scoreUpdate ranks a pending change: documents with live cached results
// flush first, then structural edits, then hot documents.
func (m *Manager) scoreUpdate(t *updateTask) int {
	score := 0
	if m.cache.hasDocument(t.uri) {
		score += 3
	}
	if t.structural {
		score += 2
	}
	if m.docs.hot(t.uri) {
		score++
	}
	return score
}

// batchLoop drains deferred requests on a fixed tick, at most
// batchPerLanguage per language per pass.
func (m *Manager) batchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(batchTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.flushBatches()
		}
	}
}

func (m *Manager) flushBatches() {
	queued := m.batches.take(batchPerLanguage)
	if len(queued) == 0 {
		return
	}

	items := make([]BatchItem, len(queued))
	for i, qb := range queued {
		items[i] = qb.item
	}

	ctx, cancel := context.WithTimeout(m.ctx, 2*m.cfg.RequestTimeout)
	results := m.BatchRequests(ctx, items)
	cancel()

	for _, qb := range queued {
		if qb.reply == nil {
			continue
		}
		select {
		case qb.reply <- results[qb.item.ID]:
		default:
		}
	}
}
