package lsp

import (
	"context"
	"errors"
	"time"
)

// EventType identifies the type of lifecycle event.
type EventType int

const (
	// EventStarted indicates a connection completed its handshake.
	EventStarted EventType = iota
	// EventCrashed indicates the server process exited unexpectedly.
	EventCrashed
	// EventHealthCheckFailed indicates a liveness probe failed.
	EventHealthCheckFailed
	// EventRecovered indicates a connection in error state answered a
	// probe and was returned to running.
	EventRecovered
	// EventRestarted indicates a failing connection was replaced by a
	// fresh process in the same pool slot.
	EventRestarted
	// EventGaveUp indicates the restart budget is exhausted and the
	// connection is parked in error state permanently.
	EventGaveUp
	// EventRecycled indicates the pool forcibly recycled a connection
	// under capacity pressure.
	EventRecycled
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventCrashed:
		return "crashed"
	case EventHealthCheckFailed:
		return "health check failed"
	case EventRecovered:
		return "recovered"
	case EventRestarted:
		return "restarted"
	case EventGaveUp:
		return "gave up"
	case EventRecycled:
		return "recycled"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event emitted by the pool and its connections.
type Event struct {
	Type     EventType
	Language string
	ConnID   string
	Err      error
	Attempt  int
	Time     time.Time
}

// healthProbeURI is a sentinel document that is never opened; probing it is
// side-effect free on every server.
const healthProbeURI = DocumentURI("file:///__lexicore__/health-probe")

// healthProbeTimeout bounds one probe round trip.
const healthProbeTimeout = 5 * time.Second

// healthProbe sends the cheap liveness request: a documentSymbol query
// against the sentinel document. A ProtocolError reply still proves the
// server is responsive, so only transport failures and timeouts count as
// probe failures. Probing is allowed in error state; that is how a
// connection self-heals.
func (c *Conn) healthProbe(ctx context.Context) error {
	if c.transport == nil || c.transport.IsClosed() {
		return ErrConnNotRunning
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	params := DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: healthProbeURI},
	}
	_, err := c.transport.Call(ctx, "textDocument/documentSymbol", params)

	var perr *ProtocolError
	if errors.As(err, &perr) {
		return nil
	}
	return err
}

// healthLoop probes one connection generation on its configured interval
// until the generation is replaced, the slot is torn down, or the restart
// budget runs out. Runs in its own goroutine, one per generation.
func (p *pool) healthLoop(s *slot, c *Conn, stop <-chan struct{}) {
	interval := p.serverConfig.HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !p.checkSlot(s, c) {
				return
			}
		}
	}
}

// checkSlot runs one health check against a slot's connection. Returns
// false when the loop should stop (generation replaced, slot torn down, or
// budget exhausted).
func (p *pool) checkSlot(s *slot, c *Conn) bool {
	if s.current() != c {
		return false
	}

	switch c.State() {
	case StateStopped, StateStopping:
		return false
	case StateStarting:
		return true
	}

	err := c.healthProbe(p.ctx)
	if err == nil {
		wasError := c.State() == StateError
		c.touchHeartbeat()
		if wasError {
			c.setState(StateRunning)
			p.logger.Info("connection recovered", "id", c.ID())
			p.emit(Event{
				Type:     EventRecovered,
				Language: p.language,
				ConnID:   c.ID(),
				Time:     time.Now(),
			})
		}
		return true
	}

	if c.State() != StateError {
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
		c.setState(StateError)
	}

	p.logger.Warn("health check failed", "id", c.ID(), "error", err)
	p.emit(Event{
		Type:     EventHealthCheckFailed,
		Language: p.language,
		ConnID:   c.ID(),
		Err:      err,
		Attempt:  c.RestartCount(),
		Time:     time.Now(),
	})

	if c.RestartCount() >= p.serverConfig.MaxRestartAttempts {
		// Fail-stop: park permanently, visible only through status
		// queries from here on.
		c.mu.Lock()
		c.lastError = ErrRestartsExhausted
		c.mu.Unlock()
		p.logger.Warn("restart budget exhausted", "id", c.ID(), "attempts", c.RestartCount())
		p.emit(Event{
			Type:     EventGaveUp,
			Language: p.language,
			ConnID:   c.ID(),
			Err:      ErrRestartsExhausted,
			Attempt:  c.RestartCount(),
			Time:     time.Now(),
		})
		return false
	}

	return p.restartSlot(s, c)
}
