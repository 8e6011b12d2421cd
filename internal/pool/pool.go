package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"gatewaycore/internal/eventbus"
	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/types"
)

// Transport is the minimal lifecycle contract a pooled resource must
// satisfy. protocol.Adapter implementations satisfy this structurally,
// so Pool[protocol.Adapter] gives callers back the full adapter
// interface (ReadRaw/WriteRaw included) without type assertions.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}

// Factory creates a new Transport for a pool key, typically by parsing
// the key into connection parameters and dialing.
type Factory[T Transport] func(ctx context.Context) (T, error)

// Config holds pool tuning parameters.
type Config struct {
	MaxSize             int           `yaml:"max_size"`
	MinSize             int           `yaml:"min_size"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	Retry               RetryPolicy   `yaml:"retry"`
}

// DefaultConfig returns the standard pool tuning.
func DefaultConfig() Config {
	return Config{
		MaxSize:             10,
		MinSize:             0,
		MaxIdleTime:         5 * time.Minute,
		MaxLifetime:         time.Hour,
		HealthCheckInterval: time.Minute,
		Retry:               DefaultRetryPolicy(),
	}
}

// entry is a pooled transport plus its usage bookkeeping and lifecycle
// state machine.
type entry[T Transport] struct {
	key       string
	transport T
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	borrowed  bool
	sm        *StateMachine
}

func (e *entry[T]) idleFor(now time.Time) time.Duration     { return now.Sub(e.lastUsed) }
func (e *entry[T]) lifetimeFor(now time.Time) time.Duration { return now.Sub(e.createdAt) }

// pendingFactory lets concurrent acquires for the same key share the
// wait on one in-flight factory call (single-flight). The entry that
// call produces is never handed out to a joiner directly — only the
// creating caller gets its lease; joiners re-evaluate the acquire path
// once the wait is over and queue for the entry's release, since the
// pool must guarantee an exclusive lease per transport.
type pendingFactory[T Transport] struct {
	done chan struct{}
}

// Pool multiplexes transports, keyed by an opaque string (typically
// "<protocol>://<host>:<port>/<unit>"), with idle/lifetime eviction and
// periodic health checks.
type Pool[T Transport] struct {
	cfg    Config
	logger *zap.Logger
	bus    *eventbus.Bus

	mu       sync.Mutex
	entries  map[string][]*entry[T] // available + borrowed, per key
	total    int
	pending  map[string]*pendingFactory[T]
	waiters  map[string][]chan struct{} // FIFO queue per key, closed to wake
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New creates a Pool. bus may be nil (events are then simply not
// emitted); logger may be nil (a no-op logger is used).
func New[T Transport](cfg Config, bus *eventbus.Bus, logger *zap.Logger) *Pool[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool[T]{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		entries:  make(map[string][]*entry[T]),
		pending:  make(map[string]*pendingFactory[T]),
		waiters:  make(map[string][]chan struct{}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	if cfg.HealthCheckInterval > 0 {
		p.stopHealth = make(chan struct{})
		p.healthDone = make(chan struct{})
		go p.healthLoop()
	}
	return p
}

func (p *Pool[T]) breakerFor(key string) *gobreaker.CircuitBreaker {
	if cb, ok := p.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[key] = cb
	return cb
}

// Lease is an exclusive, scope-bound handle to a pooled transport.
// Release must be called on every exit path; a double Release is a
// no-op.
type Lease[T Transport] struct {
	pool *Pool[T]
	key  string
	ent  *entry[T]
	once sync.Once
}

// Transport returns the leased transport.
func (l *Lease[T]) Transport() T { return l.ent.transport }

// State returns the leased entry's current lifecycle state.
func (l *Lease[T]) State() types.ConnectionState { return l.ent.sm.State() }

// Release returns the transport to the pool, or closes it if the
// caller marked it unhealthy via ReleaseUnhealthy.
func (l *Lease[T]) Release() { l.release(false) }

// ReleaseUnhealthy returns the transport for eviction instead of reuse,
// e.g. after the caller observed a wire error on it.
func (l *Lease[T]) ReleaseUnhealthy() { l.release(true) }

func (l *Lease[T]) release(unhealthy bool) {
	l.once.Do(func() {
		l.pool.releaseEntry(l.key, l.ent, unhealthy)
	})
}

// Acquire returns an exclusive lease on a transport keyed by key,
// creating one via factory if the key has none. It fails with
// PoolClosed if the pool has been closed, or PoolExhausted if
// total live entries equal max_size and none is returnable.
//
// Access per key is serialised: while the key's transport is borrowed,
// further acquires queue and drain in FIFO order as leases are
// released, rather than opening a second connection to the same
// device. A creation in flight is shared single-flight: concurrent
// acquires for the same key wait on it and the factory runs once.
func (p *Pool[T]) Acquire(ctx context.Context, key string, factory Factory[T]) (*Lease[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, gwerrors.NewConnectionError(gwerrors.PoolClosed, nil)
		}

		cb := p.breakerFor(key)
		if cb.State() == gobreaker.StateOpen {
			p.mu.Unlock()
			return nil, gwerrors.NewConnectionError(gwerrors.PoolExhausted, nil)
		}

		// Prefer the most-recently-used available entry for this key.
		if ent := p.pickAvailable(key); ent != nil {
			ent.borrowed = true
			p.mu.Unlock()
			return &Lease[T]{pool: p, key: key, ent: ent}, nil
		}

		// Single-flight: wait for the pending creation, then re-evaluate.
		// The created entry belongs exclusively to its creator; a waiter
		// queues for its release like any other contender.
		if pf, ok := p.pending[key]; ok {
			p.mu.Unlock()
			select {
			case <-pf.done:
				continue
			case <-ctx.Done():
				return nil, gwerrors.NewTimeoutError("pool acquire")
			}
		}

		// The key has a live transport and it is borrowed (or mid
		// reconnect): queue for its release. Waiters are woken in FIFO
		// order, or all at once if the entry is evicted so one of them
		// can create a replacement.
		if len(p.entries[key]) > 0 {
			w := make(chan struct{})
			p.waiters[key] = append(p.waiters[key], w)
			p.mu.Unlock()
			select {
			case <-w:
				continue
			case <-ctx.Done():
				p.removeWaiter(key, w)
				return nil, gwerrors.NewTimeoutError("pool acquire")
			}
		}

		if p.total >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil, gwerrors.NewConnectionError(gwerrors.PoolExhausted, nil)
		}

		pf := &pendingFactory[T]{done: make(chan struct{})}
		p.pending[key] = pf
		p.total++
		p.mu.Unlock()

		sm := NewStateMachine(p.stateChangeNotifier(key))
		_ = sm.Transition(types.StateConnecting)

		transport, err := factory(ctx)

		p.mu.Lock()
		delete(p.pending, key)
		if err != nil {
			p.total--
			close(pf.done)
			p.mu.Unlock()
			_ = sm.Transition(types.StateFailed)
			cb.Execute(func() (interface{}, error) { return nil, err })
			return nil, err
		}

		now := time.Now()
		ent := &entry[T]{
			key:       key,
			transport: transport,
			createdAt: now,
			lastUsed:  now,
			useCount:  1,
			borrowed:  true,
			sm:        sm,
		}
		_ = ent.sm.Transition(types.StateConnected)

		p.entries[key] = append(p.entries[key], ent)
		close(pf.done)
		p.mu.Unlock()

		cb.Execute(func() (interface{}, error) { return nil, nil })

		return &Lease[T]{pool: p, key: key, ent: ent}, nil
	}
}

// removeWaiter drops a cancelled waiter from the key's queue, unless it
// was already woken (in which case the wake-up is passed on to the next
// waiter so the release is not lost).
func (p *Pool[T]) removeWaiter(key string, w chan struct{}) {
	p.mu.Lock()
	q := p.waiters[key]
	for i, c := range q {
		if c == w {
			p.waiters[key] = append(q[:i], q[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	// Not in the queue: it was popped and closed concurrently with the
	// caller's cancellation. Hand the token to the next in line.
	var next chan struct{}
	if q := p.waiters[key]; len(q) > 0 {
		next = q[0]
		p.waiters[key] = q[1:]
	}
	p.mu.Unlock()
	if next != nil {
		close(next)
	}
}

// wakeOneWaiter pops and wakes the longest-waiting acquirer for key.
// Caller must not hold p.mu.
func (p *Pool[T]) wakeOneWaiter(key string) {
	p.mu.Lock()
	var w chan struct{}
	if q := p.waiters[key]; len(q) > 0 {
		w = q[0]
		p.waiters[key] = q[1:]
	}
	p.mu.Unlock()
	if w != nil {
		close(w)
	}
}

// wakeAllWaiters wakes every queued acquirer for key (after an eviction
// or pool close, so each re-evaluates instead of waiting forever).
// Caller must not hold p.mu.
func (p *Pool[T]) wakeAllWaiters(key string) {
	p.mu.Lock()
	q := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()
	for _, w := range q {
		close(w)
	}
}

// pickAvailable returns the most-recently-used available entry for key,
// or nil. Caller must hold p.mu.
func (p *Pool[T]) pickAvailable(key string) *entry[T] {
	list := p.entries[key]
	var best *entry[T]
	for _, e := range list {
		if e.borrowed {
			continue
		}
		if best == nil || e.lastUsed.After(best.lastUsed) {
			best = e
		}
	}
	return best
}

func (p *Pool[T]) stateChangeNotifier(key string) func(from, to types.ConnectionState) {
	return func(from, to types.ConnectionState) {
		if p.bus == nil {
			return
		}
		p.bus.Emit(eventbus.Event{
			Type:   eventbus.ConnectionStateChanged,
			Source: key,
			Payload: map[string]interface{}{
				"from": string(from),
				"to":   string(to),
			},
		})
	}
}

func (p *Pool[T]) releaseEntry(key string, ent *entry[T], unhealthy bool) {
	p.mu.Lock()
	ent.lastUsed = time.Now()
	ent.useCount++
	closed := p.closed
	cb := p.breakers[key]
	// An entry released unhealthy stays borrowed while reconnection is
	// attempted in the background: no other acquirer may touch the same
	// transport while it is mid teardown/re-establish.
	if !unhealthy {
		ent.borrowed = false
	}
	p.mu.Unlock()

	if cb != nil {
		if unhealthy {
			cb.Execute(func() (interface{}, error) { return nil, gwerrors.NewConnectionError(gwerrors.ConnectionFailed, nil) })
		} else {
			cb.Execute(func() (interface{}, error) { return nil, nil })
		}
	}

	if closed {
		p.evict(key, ent, "release")
		return
	}

	if unhealthy {
		go p.reconnectOrEvict(key, ent)
		return
	}

	p.wakeOneWaiter(key)
}

// reconnectOrEvict runs the reconnect attempt for an entry released
// unhealthy and either returns it to service or evicts it, without
// blocking the caller that released it.
func (p *Pool[T]) reconnectOrEvict(key string, ent *entry[T]) {
	if !p.reconnect(key, ent) {
		p.evict(key, ent, "release")
		return
	}

	p.mu.Lock()
	ent.borrowed = false
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.evict(key, ent, "release")
		return
	}
	p.wakeOneWaiter(key)
}

// reconnect drives the connected -> reconnecting recovery path for an
// entry a caller handed back via ReleaseUnhealthy: it attempts
// RetryPolicy.Reconnect (disconnect then reconnect, exponential
// backoff, bounded attempts) before giving up to failed. Returns true
// if the entry came back healthy and is still usable; false means the
// caller should evict it.
func (p *Pool[T]) reconnect(key string, ent *entry[T]) bool {
	if err := ent.sm.Transition(types.StateReconnecting); err != nil {
		return false
	}

	err := p.cfg.Retry.Reconnect(context.Background(), func(ctx context.Context) error {
		_ = ent.transport.Disconnect(ctx)
		if err := ent.transport.Connect(ctx); err != nil {
			return err
		}
		if !ent.transport.IsHealthy(ctx) {
			return gwerrors.NewConnectionError(gwerrors.ConnectionFailed, nil)
		}
		return nil
	})
	if err != nil {
		_ = ent.sm.Transition(types.StateFailed)
		return false
	}

	if err := ent.sm.Transition(types.StateConnected); err != nil {
		return false
	}
	p.mu.Lock()
	ent.lastUsed = time.Now()
	p.mu.Unlock()
	return true
}

// evict disconnects ent and removes it from the pool's bookkeeping.
func (p *Pool[T]) evict(key string, ent *entry[T], reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ent.transport.Disconnect(ctx); err != nil {
		p.logger.Warn("pool: error disconnecting evicted transport",
			zap.String("key", key), zap.String("reason", reason), zap.Error(err))
	}
	_ = ent.sm.Transition(types.StateDisconnected)

	p.mu.Lock()
	list := p.entries[key]
	for i, e := range list {
		if e == ent {
			p.entries[key] = append(list[:i], list[i+1:]...)
			p.total--
			break
		}
	}
	p.mu.Unlock()

	// Anyone queued on this entry must re-evaluate: one of them will
	// create a replacement if the pool stays open.
	p.wakeAllWaiters(key)
}

// healthLoop runs the periodic eviction/health cycle: on each cycle, an
// available entry is evicted if it has exceeded max_lifetime or
// max_idle_time, fails a health probe, or reports disconnected.
// Borrowed entries are never probed.
func (p *Pool[T]) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.RunHealthCycle()
		}
	}
}

// RunHealthCycle executes one eviction/health pass synchronously; it is
// exported so tests can drive it deterministically instead of waiting
// on the ticker.
func (p *Pool[T]) RunHealthCycle() {
	now := time.Now()

	p.mu.Lock()
	type candidate struct {
		key string
		ent *entry[T]
	}
	var candidates []candidate
	for key, list := range p.entries {
		for _, e := range list {
			if e.borrowed {
				continue
			}
			candidates = append(candidates, candidate{key, e})
		}
	}
	p.mu.Unlock()

	for _, c := range candidates {
		e := c.ent
		stale := e.lifetimeFor(now) > p.cfg.MaxLifetime ||
			e.idleFor(now) > p.cfg.MaxIdleTime ||
			e.sm.State() != types.StateConnected

		if !stale {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			healthy := e.transport.IsHealthy(ctx)
			cancel()
			if !healthy {
				stale = true
				if p.bus != nil {
					p.bus.Emit(eventbus.Event{
						Type:   eventbus.HealthCheckFailed,
						Source: c.key,
					})
				}
			}
		}

		if stale {
			p.evict(c.key, e, "health_cycle")
		}
	}
}

// Close drains the pool: all available entries are disconnected
// immediately; borrowed entries are disconnected when released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	type candidate struct {
		key string
		ent *entry[T]
	}
	var toEvict []candidate
	for key, list := range p.entries {
		for _, e := range list {
			if !e.borrowed {
				toEvict = append(toEvict, candidate{key, e})
			}
		}
	}
	queues := p.waiters
	p.waiters = make(map[string][]chan struct{})
	p.mu.Unlock()

	// Queued acquirers wake and observe PoolClosed.
	for _, q := range queues {
		for _, w := range q {
			close(w)
		}
	}

	for _, c := range toEvict {
		p.evict(c.key, c.ent, "close")
	}

	if p.stopHealth != nil {
		close(p.stopHealth)
		<-p.healthDone
	}
}

// Stats reports a snapshot of pool occupancy, for diagnostics/tests.
type Stats struct {
	Total     int
	Available int
	Borrowed  int
}

// Snapshot returns current pool occupancy.
func (p *Pool[T]) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.Total = p.total
	for _, list := range p.entries {
		for _, e := range list {
			if e.borrowed {
				s.Borrowed++
			} else {
				s.Available++
			}
		}
	}
	return s
}
