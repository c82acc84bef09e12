package warp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/meermanr/warp-go/pool"
	"github.com/meermanr/warp-go/recon"
)

// Scheduler runs a callback on the client runtime's worker pool. warp
// never imports the root package's Runtime type directly - that would
// create an import cycle, since the root package's Client owns a
// Manager per open route - so it depends on this narrow interface
// instead.
type Scheduler interface {
	Schedule(fn func())
}

// Transport is the slice of *pool.Connection a Manager needs:
// somewhere to register itself as the route's demultiplex target and
// somewhere to send outbound envelopes. Depending on this interface
// rather than the concrete type keeps Manager testable without a real
// WebSocket, and mirrors pool.Receiver's role as the one narrow
// coupling point between the two packages.
type Transport interface {
	Register(route pool.RouteKey, r pool.Receiver)
	Unregister(route pool.RouteKey)
	Send(wire string) error
	SampleLatency(route pool.RouteKey, d time.Duration)
}

// Route identifies one downlink manager: a (host, node, lane) triple.
type Route struct {
	Host string
	Node string
	Lane string
}

func (r Route) String() string {
	return fmt.Sprintf("%s %s/%s", r.Host, r.Node, r.Lane)
}

// Manager owns exactly one Model for a route and fans its Deltas out
// to every attached View. Dispatch for this route is serialized onto
// its own FIFO queue, drained one scheduled task at a time, so inbound
// callbacks always fire in frame order (spec.md 5) - while a different
// route's queue is an entirely separate drain loop, free to run
// concurrently on the runtime's worker pool, so one route's slow or
// misbehaving callback can never delay another's delivery or the
// connection's read loop.
type Manager struct {
	route     Route
	kind      Kind
	conn      Transport
	scheduler Scheduler
	logger    *slog.Logger

	mu       sync.Mutex
	model    *Model
	views    []*View
	registry *recon.Registry
	strict   bool
	open     bool
	openedAt time.Time

	dispatchMu    sync.Mutex
	dispatchQueue []func()
	dispatching   bool
}

// NewManager constructs a Manager for route, bound to an already-open
// pool connection. The model is created but not yet linked; call Open
// to send the initial link/sync request.
func NewManager(route Route, kind Kind, conn Transport, scheduler Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		route:     route,
		kind:      kind,
		conn:      conn,
		scheduler: scheduler,
		logger:    logger,
		model:     NewModel(kind, route.Node, route.Lane),
		registry:  recon.NewRegistry(),
	}
}

// Route returns the manager's (host, node, lane) address.
func (m *Manager) Route() Route { return m.route }

// IsOpen reports whether the downlink has an active link/sync request
// in flight or established.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Open registers this manager as the route's receiver on its
// connection and sends the initial link/sync envelope. It is a no-op
// if already open.
func (m *Manager) Open() error {
	m.mu.Lock()
	if m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = true
	m.openedAt = time.Now()
	envelope := m.model.OpenEnvelope()
	m.mu.Unlock()

	m.conn.Register(pool.RouteKey{Node: m.route.Node, Lane: m.route.Lane}, m)
	return m.conn.Send(Encode(envelope))
}

// Close unlinks the downlink locally and detaches it from its
// connection. It does not itself release the connection's pool
// reference - that is the Client's job, since several managers may
// share one connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return
	}
	m.open = false
	m.model.Close()
	m.mu.Unlock()

	m.conn.Unregister(pool.RouteKey{Node: m.route.Node, Lane: m.route.Lane})
}

// AddView attaches a new subscriber. Its registered classes are merged
// into the manager's registry (the new view's entries win on name
// collision, per spec.md 9's resolution of the Python registry-merge
// ambiguity) and its strict flag is folded into the manager's own -
// spec.md 4.2 describes the manager, not the view, as owning "a
// merged registered_classes map and a strict decoding flag". If the
// model has already progressed past Linking, the view is immediately
// replayed the link, the current state - did_set for a value downlink,
// did_update for every map entry - and, once synced, the sync, so a
// late joiner never misses the initial replica and its Get/Set calls
// do not wait for signals that already fired.
func (m *Manager) AddView(v *View) {
	m.mu.Lock()
	m.views = append(m.views, v)
	if v.registry != nil {
		m.registry = m.registry.Merge(v.registry)
	}
	m.strict = m.strict || v.Strict()
	var replay []Delta
	state := m.model.State()
	if state == StateSyncing || state == StateSynced || state == StateLinked {
		replay = append([]Delta{LinkedDelta{}}, m.model.ReplayDeltas()...)
	}
	if state == StateSynced {
		replay = append(replay, SyncedDelta{})
	}
	reg, strict := m.registry, m.strict
	m.mu.Unlock()

	for _, d := range replay {
		decoded, err := decodeDelta(reg, strict, d)
		if err != nil {
			m.logger.Warn("warp: dropping replay delta with unregistered type", "route", m.route, "error", err)
			continue
		}
		m.dispatchOne(v, decoded)
	}
}

// RemoveView detaches a subscriber. It never closes the downlink
// itself; the Client decides when the last view going away means the
// manager should close too.
func (m *Manager) RemoveView(v *View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.views {
		if existing == v {
			m.views = append(m.views[:i], m.views[i+1:]...)
			return
		}
	}
}

// ViewCount returns the number of attached views, for the Client to
// decide whether a manager has become orphaned.
func (m *Manager) ViewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.views)
}

// Command sends a one-shot command to the downlink's lane, independent
// of any model state - per spec.md this does not require the downlink
// to be linked first.
func (m *Manager) Command(body recon.Value) error {
	return m.conn.Send(Encode(NewCommand(m.route.Node, m.route.Lane, body)))
}

// Send transmits an already-built envelope addressed to this
// manager's route - used by View for set/put/remove requests, which
// must wait for Linked before they are meaningful.
func (m *Manager) Send(e Envelope) error {
	return m.conn.Send(Encode(e))
}

// Model exposes the manager's model for View's synchronous get().
func (m *Manager) Model() *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Receive implements pool.Receiver: every inbound envelope addressed
// to this route arrives here, on the connection's read goroutine. It
// is fed through the model, and the resulting deltas are run through
// the manager's merged registry (spec.md 4.4's "otherwise run the
// record converter") before being fanned out to every view through
// this route's FIFO dispatch queue (see enqueue).
func (m *Manager) Receive(wire string) {
	envelope, err := DecodeEnvelope(wire)
	if err != nil {
		m.logger.Warn("warp: dropping malformed envelope", "route", m.route, "error", err)
		return
	}

	m.mu.Lock()
	deltas := m.model.HandleEnvelope(envelope)
	reg, strict := m.registry, m.strict
	views := make([]*View, len(m.views))
	copy(views, m.views)
	m.mu.Unlock()

	for _, d := range deltas {
		m.sampleLatencyFor(d)
		decoded, err := decodeDelta(reg, strict, d)
		if err != nil {
			m.logger.Warn("warp: dropping event with unregistered type", "route", m.route, "error", err)
			continue
		}
		for _, v := range views {
			m.dispatchOne(v, decoded)
		}
	}
}

// sampleLatencyFor records the link->linked round trip (event
// downlinks) or sync->synced round trip (value/map downlinks) on the
// underlying connection's per-route stats, measured from the Open
// call that sent the original request.
func (m *Manager) sampleLatencyFor(d Delta) {
	var sample bool
	switch d.(type) {
	case LinkedDelta:
		sample = m.kind == KindEvent
	case SyncedDelta:
		sample = true
	}
	if !sample {
		return
	}

	m.mu.Lock()
	started := m.openedAt
	m.mu.Unlock()
	if started.IsZero() {
		return
	}
	m.conn.SampleLatency(pool.RouteKey{Node: m.route.Node, Lane: m.route.Lane}, time.Since(started))
}

// decodeDelta runs a delta's value payload through reg's record
// converter, per spec.md 4.4: a *Record body decodes to its
// registered Go type if known, or fails with UnknownTypeError in
// strict mode. Deltas with no record-shaped payload (link/sync
// signals, an already-primitive value, map keys) pass through
// unchanged.
func decodeDelta(reg *recon.Registry, strict bool, d Delta) (Delta, error) {
	switch delta := d.(type) {
	case EventDelta:
		v, err := decodeBody(reg, strict, delta.Value)
		if err != nil {
			return nil, err
		}
		return EventDelta{Value: v}, nil
	case ValueSetDelta:
		v, err := decodeBody(reg, strict, delta.New)
		if err != nil {
			return nil, err
		}
		return ValueSetDelta{New: v, Old: delta.Old}, nil
	case MapUpdateDelta:
		v, err := decodeBody(reg, strict, delta.New)
		if err != nil {
			return nil, err
		}
		return MapUpdateDelta{Key: delta.Key, New: v, Old: delta.Old}, nil
	default:
		return d, nil
	}
}

// decodeBody decodes v if it is a *recon.Record, wrapping a registered
// type's result in recon.Decoded so it still satisfies recon.Value.
// Absent, Extant and the other primitives already match spec.md 4.4's
// "a primitive body -> that primitive" rule and pass through as-is.
func decodeBody(reg *recon.Registry, strict bool, v recon.Value) (recon.Value, error) {
	rec, ok := v.(*recon.Record)
	if !ok {
		return v, nil
	}
	decoded, err := reg.Decode(rec, strict)
	if err != nil {
		return nil, err
	}
	if value, ok := decoded.(recon.Value); ok {
		return value, nil
	}
	return recon.Decoded{Obj: decoded}, nil
}

// Disconnected implements pool.Receiver: the underlying transport
// failed. Every view is told the downlink unlinked with cause.
func (m *Manager) Disconnected(cause error) {
	m.mu.Lock()
	m.open = false
	m.model.Close()
	views := make([]*View, len(m.views))
	copy(views, m.views)
	m.mu.Unlock()

	for _, v := range views {
		m.dispatchOne(v, UnlinkedDelta{Err: &TransportError{Host: m.route.Host, Cause: cause}})
	}
}

// dispatchOne enqueues one view's delivery of one delta onto this
// route's dispatch queue, preserving the order it was called in
// relative to every other dispatchOne call for this manager.
func (m *Manager) dispatchOne(v *View, d Delta) {
	m.enqueue(func() { v.deliver(d) })
}

// enqueue appends fn to this route's FIFO dispatch queue and starts a
// drain loop on the scheduler if one is not already running. Multiple
// enqueue calls while a drain is in flight just grow the queue; the
// running drain picks them up, so a route never has more than one
// drain task live at once.
func (m *Manager) enqueue(fn func()) {
	m.dispatchMu.Lock()
	m.dispatchQueue = append(m.dispatchQueue, fn)
	start := !m.dispatching
	m.dispatching = true
	m.dispatchMu.Unlock()

	if start {
		m.scheduler.Schedule(m.drain)
	}
}

// drain runs every queued callback for this route, in order, until
// the queue is empty. Each callback is invoked through runOne so a
// panic can never wedge this route's queue in the "dispatching" state
// or escape into the runtime's own exception policy, which exists for
// scheduling bugs, not misbehaving user callbacks.
func (m *Manager) drain() {
	for {
		m.dispatchMu.Lock()
		if len(m.dispatchQueue) == 0 {
			m.dispatching = false
			m.dispatchMu.Unlock()
			return
		}
		fn := m.dispatchQueue[0]
		m.dispatchQueue = m.dispatchQueue[1:]
		m.dispatchMu.Unlock()

		m.runOne(fn)
	}
}

func (m *Manager) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("warp: view callback panicked", "route", m.route, "panic", r)
		}
	}()
	fn()
}

func (m *Manager) String() string {
	return spew.Sprintf("warp.Manager(\n  route: %v\n  kind:  %v\n  state: %v\n  views: %v\n)\n",
		m.route, m.kind, m.model.State(), m.ViewCount())
}
