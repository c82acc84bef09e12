package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"

	"github.com/meermanr/warp-go/recon"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Receiver is implemented by whatever owns a (node, lane) route on a
// Connection - in practice warp.Manager. Receive is called, in frame
// order, with the raw wire text of every envelope matched to the
// route. Disconnected is called once, instead of any further Receive
// calls, if the underlying transport fails.
type Receiver interface {
	Receive(wire string)
	Disconnected(err error)
}

// RouteKey identifies a (node, lane) pair for demultiplexing purposes.
// Unlike warp.Envelope, pool never needs to know about envelope tags -
// it only routes by address, so it keeps its own minimal key type
// rather than importing the warp package.
type RouteKey struct {
	Node string
	Lane string
}

const (
	outboundQueueSize = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
)

// outboundFrame is one queued wire-format envelope. ack is nil for
// fire-and-forget sends (Send); when set (SendAndWait), writeLoop
// reports the write's outcome on it so the caller can be sure the
// frame actually left the wire before, say, releasing a pooled
// connection back for possible closing.
type outboundFrame struct {
	wire string
	ack  chan error
}

// Connection wraps one WebSocket transport to a single WARP host, with
// one reader and one writer goroutine, a bounded outbound queue, and a
// (node, lane) -> Receiver demultiplex registry. This generalizes the
// teacher's single Client.Listen() goroutine (lwl/client.go) into an
// explicit reader/writer pair, matching the gorilla/websocket
// hub/client-pump split used for the transport dependency itself.
type Connection struct {
	host   string
	logger *slog.Logger

	mu    sync.Mutex
	state State
	ws    *websocket.Conn
	recvs map[RouteKey]Receiver

	outbound chan outboundFrame
	done     chan struct{}

	statsLock sync.Mutex
	stats     map[RouteKey]*latencyStats
}

func newConnection(host string, logger *slog.Logger) *Connection {
	return &Connection{
		host:     host,
		logger:   logger,
		state:    StateIdle,
		recvs:    make(map[RouteKey]Receiver),
		outbound: make(chan outboundFrame, outboundQueueSize),
		done:     make(chan struct{}),
		stats:    make(map[RouteKey]*latencyStats),
	}
}

func (c *Connection) dial(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.host, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("pool: dial %q: %w", c.host, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
	return nil
}

// Register attaches a receiver for a route, so subsequent inbound
// envelopes addressed to (node, lane) are delivered to it.
func (c *Connection) Register(route RouteKey, r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvs[route] = r
}

// Unregister detaches a route's receiver.
func (c *Connection) Unregister(route RouteKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recvs, route)
}

// Send enqueues a wire-format envelope for transmission. It never
// blocks longer than it takes for the writer goroutine to have queue
// room; a full queue applies backpressure to the caller. It returns as
// soon as the frame is queued, without waiting for the write itself.
func (c *Connection) Send(wire string) error {
	_, err := c.send(wire, nil)
	return err
}

// SendAndWait enqueues a wire-format envelope and blocks until
// writeLoop has actually written it (or failed to), or the connection
// closes first. Callers that must not let the connection close out
// from under a still-queued frame - e.g. Client.Command, whose caller
// closes the downlink immediately after sending - use this instead of
// Send.
func (c *Connection) SendAndWait(wire string) error {
	ack, err := c.send(wire, make(chan error, 1))
	if err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-c.done:
		return fmt.Errorf("pool: connection to %q closed while sending", c.host)
	}
}

func (c *Connection) send(wire string, ack chan error) (chan error, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateOpen {
		return nil, fmt.Errorf("pool: connection to %q is not open (state=%s)", c.host, state)
	}
	select {
	case c.outbound <- outboundFrame{wire: wire, ack: ack}:
		return ack, nil
	case <-c.done:
		return nil, fmt.Errorf("pool: connection to %q closed while sending", c.host)
	}
}

// Close tears down the transport and notifies every registered
// receiver via Disconnected, unless cause is nil (a clean,
// caller-initiated close carries no error to receivers).
func (c *Connection) Close(cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	ws := c.ws
	recvs := make(map[RouteKey]Receiver, len(c.recvs))
	for k, v := range c.recvs {
		recvs[k] = v
	}
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		_ = ws.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if cause != nil {
		for _, r := range recvs {
			r.Disconnected(cause)
		}
	}
}

func (c *Connection) readLoop() {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("pool: read loop exiting", "host", c.host, "error", err)
			}
			go c.Close(&TransportErrorCause{Err: err})
			return
		}
		c.dispatch(string(data))
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame.wire))
			if frame.ack != nil {
				frame.ack <- err
			}
			if err != nil {
				c.logger.Debug("pool: write loop exiting", "host", c.host, "error", err)
				go c.Close(&TransportErrorCause{Err: err})
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.Close(&TransportErrorCause{Err: err})
				return
			}
		}
	}
}

func (c *Connection) dispatch(wire string) {
	route, ok := routeOf(wire)
	if !ok {
		c.logger.Warn("pool: dropping envelope with no recognisable route", "host", c.host)
		return
	}
	c.mu.Lock()
	r, ok := c.recvs[route]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("pool: dropping envelope for unknown route", "host", c.host, "node", route.Node, "lane", route.Lane)
		return
	}
	r.Receive(wire)
}

// routeOf extracts just the (node, lane) pair from a wire envelope,
// without decoding its tag or body - that full decode belongs to
// whichever warp.Manager receives it. Kept local to pool so this
// package never needs to depend on warp's envelope semantics.
func routeOf(wire string) (RouteKey, bool) {
	v, err := recon.Parse(wire)
	if err != nil {
		return RouteKey{}, false
	}
	rec, ok := v.(*recon.Record)
	if !ok {
		return RouteKey{}, false
	}
	head, ok := rec.HeadAttr()
	if !ok {
		return RouteKey{}, false
	}
	routeRec, ok := head.Value.(*recon.Record)
	if !ok {
		return RouteKey{}, false
	}
	var route RouteKey
	for _, item := range routeRec.Items {
		slot, ok := item.(recon.Slot)
		if !ok {
			continue
		}
		key, ok := slot.Key.(recon.Text)
		if !ok {
			continue
		}
		val, ok := slot.Value.(recon.Text)
		if !ok {
			continue
		}
		switch string(key) {
		case "node":
			route.Node = string(val)
		case "lane":
			route.Lane = string(val)
		}
	}
	if route.Node == "" {
		return RouteKey{}, false
	}
	return route, true
}

// TransportErrorCause wraps the underlying error that aborted a
// Connection's transport, delivered to every Receiver via
// Disconnected.
type TransportErrorCause struct {
	Err error
}

func (e *TransportErrorCause) Error() string { return e.Err.Error() }
func (e *TransportErrorCause) Unwrap() error { return e.Err }

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Host returns the normalised host URI this connection is dialed to.
func (c *Connection) Host() string { return c.host }

type latencyStats struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func (l *latencyStats) sample(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	l.total += d
	if l.min == 0 || d < l.min {
		l.min = d
	}
	if d > l.max {
		l.max = d
	}
}

func (l *latencyStats) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var mean time.Duration
	if l.count > 0 {
		mean = time.Duration(l.total.Nanoseconds() / l.count)
	}
	return fmt.Sprintf("samples=%d min=%v mean=%v max=%v", l.count, l.min, mean, l.max)
}

// SampleLatency records a round-trip duration (link->linked,
// sync->synced) for a route, for human-facing diagnostics. This
// generalizes the teacher's per-command LatencyStats
// (lwl/stats.go) to per-route link/sync latency.
func (c *Connection) SampleLatency(route RouteKey, d time.Duration) {
	c.statsLock.Lock()
	ls, ok := c.stats[route]
	if !ok {
		ls = &latencyStats{}
		c.stats[route] = ls
	}
	c.statsLock.Unlock()
	ls.sample(d)
}

// Stats renders the min/mean/max link-establishment latency seen for
// every route on this connection, for human consumption - mirroring
// lwl.Client.Stats().
func (c *Connection) Stats() string {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	var sb strings.Builder
	for route, ls := range c.stats {
		fmt.Fprintf(&sb, "%s/%s: %s\n", route.Node, route.Lane, ls.String())
	}
	return sb.String()
}

// String renders the connection's internal registries for debugging,
// mirroring lwl.Client.String()'s use of go-spew.
func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	routes := make([]RouteKey, 0, len(c.recvs))
	for k := range c.recvs {
		routes = append(routes, k)
	}
	return spew.Sprintf("pool.Connection(\n  host:  %v\n  state: %v\n  routes: %v\n)\n", c.host, c.state, routes)
}
