package lsp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// defaultMaxPoolSize bounds connections per language.
	defaultMaxPoolSize = 5

	// lowUsageThreshold is the averageUsage below which Optimize tears
	// down surplus healthy connections.
	lowUsageThreshold = 0.3

	// estServerMemoryMB is the rough per-process resident set used for
	// the optimize report.
	estServerMemoryMB = 150
)

// slot is one pool position. The conn it holds may be replaced over time
// (restart, forced recycle); stop belongs to the current generation's
// health loop and is closed when that generation ends.
type slot struct {
	mu   sync.Mutex
	conn *Conn
	stop chan struct{}
}

// current returns the slot's connection.
func (s *slot) current() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// swap installs a new connection generation and returns the previous one.
func (s *slot) swap(c *Conn) (old *Conn, oldStop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, oldStop = s.conn, s.stop
	s.conn = c
	s.stop = make(chan struct{})
	return old, oldStop
}

// watch returns the current generation pair for a health loop.
func (s *slot) watch() (*Conn, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.stop
}

// halt ends the current generation's health loop.
func (s *slot) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
	}
}

// pool maintains the bounded set of supervised connections for one
// language. Size never exceeds maxSize; callers are never queued for
// capacity — under pressure the least-recently-used connection is
// forcibly recycled instead.
type pool struct {
	mu sync.Mutex

	language     string
	serverConfig LanguageServerConfig
	maxSize      int

	slots  []*slot
	active *slot

	launcher Launcher
	logger   *slog.Logger
	emit     func(Event)

	// notify receives server-initiated notifications from every
	// connection in the pool.
	notify func(method string, params json.RawMessage)

	// ctx is the manager's lifetime; spawned connections outlive any
	// single caller's context.
	ctx context.Context
}

// newPool creates an empty pool for one language.
func newPool(ctx context.Context, language string, cfg LanguageServerConfig, maxSize int, launcher Launcher, logger *slog.Logger, emit func(Event)) *pool {
	if maxSize <= 0 {
		maxSize = defaultMaxPoolSize
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &pool{
		language:     language,
		serverConfig: cfg.withDefaults(),
		maxSize:      maxSize,
		launcher:     launcher,
		logger:       logger.With("language", language),
		emit:         emit,
		ctx:          ctx,
	}
}

// acquire hands out a connection for one request:
//  1. the active connection, if it passes the lightweight liveness check;
//  2. otherwise any healthy pooled connection, promoted to active;
//  3. otherwise a new connection while below the size cap;
//  4. otherwise a forced recycle of the least-recently-used slot.
func (p *pool) acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		if c := p.active.current(); c != nil && c.Alive() {
			return c, nil
		}
	}

	for _, s := range p.slots {
		if c := s.current(); c != nil && c.Alive() {
			p.active = s
			return c, nil
		}
	}

	if len(p.slots) < p.maxSize {
		s, c, err := p.growLocked()
		if err != nil {
			return nil, err
		}
		p.active = s
		return c, nil
	}

	s, c, err := p.recycleLocked()
	if err != nil {
		return nil, err
	}
	p.active = s
	return c, nil
}

// growLocked appends a new slot with a freshly started connection.
// Callers hold p.mu.
func (p *pool) growLocked() (*slot, *Conn, error) {
	c := newConn(p.language, p.serverConfig, p.launcher, p.logger, p.emit)
	c.onNotification = p.notify
	s := &slot{conn: c, stop: make(chan struct{})}
	p.slots = append(p.slots, s)

	if err := c.Start(p.ctx); err != nil {
		// The slot keeps the failed connection so status queries see
		// the error; the health loop owns any further recovery.
		p.startWatch(s)
		return nil, nil, &ServerError{Language: p.language, Err: err}
	}

	p.startWatch(s)
	p.emit(Event{Type: EventStarted, Language: p.language, ConnID: c.ID(), Time: time.Now()})
	return s, c, nil
}

// recycleLocked tears down the least-recently-used slot and builds a fresh
// replacement in its place. The teardown is asynchronous; the replacement
// is synchronous from the caller's perspective. Callers hold p.mu.
func (p *pool) recycleLocked() (*slot, *Conn, error) {
	s := p.lruSlotLocked()
	if s == nil {
		return nil, nil, &ServerError{Language: p.language, Err: ErrConnNotRunning}
	}

	c := newConn(p.language, p.serverConfig, p.launcher, p.logger, p.emit)
	c.onNotification = p.notify
	old, oldStop := s.swap(c)
	if oldStop != nil {
		select {
		case <-oldStop:
		default:
			close(oldStop)
		}
	}
	if old != nil {
		p.logger.Info("recycling connection under pool pressure", "id", old.ID())
		p.emit(Event{Type: EventRecycled, Language: p.language, ConnID: old.ID(), Time: time.Now()})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = old.Shutdown(ctx)
		}()
	}

	if err := c.Start(p.ctx); err != nil {
		p.startWatch(s)
		return nil, nil, &ServerError{Language: p.language, Err: err}
	}

	p.startWatch(s)
	p.emit(Event{Type: EventStarted, Language: p.language, ConnID: c.ID(), Time: time.Now()})
	return s, c, nil
}

// lruSlotLocked picks the slot with the earliest lastHeartbeat. Timestamps
// are effectively unique, so no secondary tie-break is needed.
func (p *pool) lruSlotLocked() *slot {
	var lru *slot
	var lruBeat time.Time
	for _, s := range p.slots {
		c := s.current()
		if c == nil {
			return s
		}
		beat := c.LastHeartbeat()
		if lru == nil || beat.Before(lruBeat) {
			lru = s
			lruBeat = beat
		}
	}
	return lru
}

// startWatch launches a health loop for the slot's current generation.
func (p *pool) startWatch(s *slot) {
	c, stop := s.watch()
	if c == nil {
		return
	}
	go p.healthLoop(s, c, stop)
}

// restartSlot replaces a failing connection with a fresh process in the
// same slot, carrying the restart count forward. Returns false always: the
// calling health-loop generation ends and a new one starts for the
// replacement.
func (p *pool) restartSlot(s *slot, old *Conn) bool {
	attempt := old.RestartCount() + 1
	p.logger.Info("restarting connection", "id", old.ID(), "attempt", attempt)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = old.Shutdown(shutdownCtx)
	cancel()

	c := newConn(p.language, p.serverConfig, p.launcher, p.logger, p.emit)
	c.onNotification = p.notify
	c.restartCount.Store(int32(attempt))

	err := c.Start(p.ctx)
	s.swap(c)
	p.startWatch(s)

	p.emit(Event{
		Type:     EventRestarted,
		Language: p.language,
		ConnID:   c.ID(),
		Err:      err,
		Attempt:  attempt,
		Time:     time.Now(),
	})
	return false
}

// healthyCountLocked counts connections passing the lightweight check.
func (p *pool) healthyCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if c := s.current(); c != nil && c.Alive() {
			n++
		}
	}
	return n
}

// size returns the current number of slots.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// healthyCount counts connections passing the lightweight check.
func (p *pool) healthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyCountLocked()
}

// statuses snapshots every connection in the pool.
func (p *pool) statuses() []*Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Status, 0, len(p.slots))
	for _, s := range p.slots {
		if c := s.current(); c != nil {
			st := c.Status()
			st.PoolSize = len(p.slots)
			out = append(out, st)
		}
	}
	return out
}

// activeStatus snapshots the active (or first) connection, the shape
// surfaced by per-language status queries.
func (p *pool) activeStatus() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var c *Conn
	if p.active != nil {
		c = p.active.current()
	}
	if c == nil {
		for _, s := range p.slots {
			if cand := s.current(); cand != nil {
				c = cand
				break
			}
		}
	}
	if c == nil {
		return nil
	}

	st := c.Status()
	st.PoolSize = len(p.slots)
	return st
}

// PoolOptimization reports what Optimize did for one language.
type PoolOptimization struct {
	Language         string `json:"language"`
	RemovedUnhealthy int    `json:"removedUnhealthy"`
	RemovedIdle      int    `json:"removedIdle"`
	Remaining        int    `json:"remaining"`
}

// optimize removes unhealthy connections and, when the language's
// utilization is below lowUsageThreshold with more than one healthy
// connection, tears down the surplus. Not on the request hot path.
func (p *pool) optimize(averageUsage float64) PoolOptimization {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := PoolOptimization{Language: p.language}

	kept := p.slots[:0]
	for _, s := range p.slots {
		c := s.current()
		if c == nil {
			continue
		}
		switch c.State() {
		case StateError, StateStopped:
			p.teardownSlotLocked(s, c)
			report.RemovedUnhealthy++
		default:
			kept = append(kept, s)
		}
	}
	p.slots = kept

	if averageUsage < lowUsageThreshold && p.healthyCountLocked() > 1 {
		keep := p.active
		if keep == nil || keep.current() == nil || !keep.current().Alive() {
			for _, s := range p.slots {
				if c := s.current(); c != nil && c.Alive() {
					keep = s
					break
				}
			}
		}

		kept = p.slots[:0]
		for _, s := range p.slots {
			c := s.current()
			if s != keep && c != nil && c.Alive() {
				p.teardownSlotLocked(s, c)
				report.RemovedIdle++
				continue
			}
			kept = append(kept, s)
		}
		p.slots = kept
		p.active = keep
	}

	// Drop the active pointer if its slot was removed.
	if p.active != nil {
		found := false
		for _, s := range p.slots {
			if s == p.active {
				found = true
				break
			}
		}
		if !found {
			p.active = nil
		}
	}

	report.Remaining = len(p.slots)
	return report
}

// teardownSlotLocked stops a slot's health loop and shuts its connection
// down asynchronously. Callers hold p.mu.
func (p *pool) teardownSlotLocked(s *slot, c *Conn) {
	s.halt()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	}()
}

// shutdown stops every connection in the pool in parallel, best-effort.
func (p *pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.slots = nil
	p.active = nil
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		s.halt()
		c := s.current()
		if c == nil {
			continue
		}
		g.Go(func() error {
			return c.Shutdown(ctx)
		})
	}
	return g.Wait()
}
