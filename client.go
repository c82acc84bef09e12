package warpclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/MatusOllah/slogcolor"
	"github.com/davecgh/go-spew/spew"

	"github.com/meermanr/warp-go/pool"
	"github.com/meermanr/warp-go/recon"
	"github.com/meermanr/warp-go/warp"
)

// NewDefaultLogger returns the colourised stderr logger the teacher's
// main.go wires up by default, with DEBUG level gated on verbose.
func NewDefaultLogger(verbose bool) *slog.Logger {
	opts := slogcolor.DefaultOptions
	if verbose {
		opts.Level = slog.LevelDebug
	} else {
		opts.Level = slog.LevelInfo
	}
	return slog.New(slogcolor.NewHandler(os.Stderr, opts))
}

// Client is the WARP client runtime facade (spec.md C7): it owns the
// connection pool and the background scheduler, and is the entry
// point for opening downlinks and sending commands.
type Client struct {
	logger  *slog.Logger
	pool    *pool.Pool
	runtime *Runtime
	config  *ClientConfig

	mu       sync.Mutex
	managers map[warp.Route]*warp.Manager
}

// New constructs a Client. logger may be nil, in which case
// NewDefaultLogger(false) is used. The returned Client is not yet
// running; call Start before opening downlinks.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = NewDefaultLogger(false)
	}
	return &Client{
		logger:   logger,
		pool:     pool.New(logger),
		runtime:  NewRuntime(4, 256, logger),
		config:   NewClientConfig(),
		managers: make(map[warp.Route]*warp.Manager),
	}
}

// Start launches the client's background scheduler. Call once before
// opening any downlinks.
func (c *Client) Start() {
	c.runtime.Start()
}

// Stop closes every open downlink and connection, then stops the
// scheduler.
func (c *Client) Stop() {
	c.mu.Lock()
	managers := make(map[warp.Route]*warp.Manager, len(c.managers))
	for k, v := range c.managers {
		managers[k] = v
	}
	c.managers = make(map[warp.Route]*warp.Manager)
	c.mu.Unlock()

	for route, m := range managers {
		m.Close()
		c.pool.CloseDownlink(route.Host)
	}
	c.runtime.Stop()
}

// SetExceptionPolicy configures how a panicking subscriber callback is
// handled; see ExceptionPolicy.
func (c *Client) SetExceptionPolicy(policy ExceptionPolicy, handler func(recovered any)) {
	c.runtime.SetExceptionPolicy(policy, handler)
}

// LoadConfig reads the client's on-disk configuration from fn. A
// missing file is reported via the returned error; callers may check
// os.IsNotExist, as lwl/main.go does.
func (c *Client) LoadConfig(fn string) error {
	return c.config.Load(fn)
}

// WriteConfig atomically persists the client's configuration to fn.
func (c *Client) WriteConfig(fn string) error {
	return c.config.Write(fn)
}

// DownlinkValue returns an unattached value-downlink view builder
// bound to (host, node, lane). Configure callbacks and registered
// classes on it, then call Open to link it.
func (c *Client) DownlinkValue(host, node, lane string) *warp.View {
	return c.newView(warp.KindValue, host, node, lane)
}

// DownlinkMap returns an unattached map-downlink view builder.
func (c *Client) DownlinkMap(host, node, lane string) *warp.View {
	return c.newView(warp.KindMap, host, node, lane)
}

// DownlinkEvent returns an unattached event-downlink view builder.
func (c *Client) DownlinkEvent(host, node, lane string) *warp.View {
	return c.newView(warp.KindEvent, host, node, lane)
}

func (c *Client) newView(kind warp.Kind, host, node, lane string) *warp.View {
	v := warp.NewView(kind)
	_ = v.SetHostURI(host)
	_ = v.SetNodeURI(node)
	_ = v.SetLaneURI(lane)
	return v
}

// Open attaches view to a live connection and downlink manager,
// dialing the host's transport if this is the first downlink opened
// against it, and linking the shared manager if this is the first
// view on that (host, node, lane) route. Views sharing a route share
// one manager and one replica, per spec.md C4.
func (c *Client) Open(ctx context.Context, v *warp.View) error {
	host, node, lane := v.HostURI(), v.NodeURI(), v.LaneURI()
	if host == "" || node == "" || lane == "" {
		return fmt.Errorf("warpclient: view is missing host/node/lane, cannot open")
	}
	route := warp.Route{Host: host, Node: node, Lane: lane}

	c.mu.Lock()
	m, ok := c.managers[route]
	if !ok {
		c.mu.Unlock()
		conn, err := c.pool.OpenDownlink(ctx, host)
		if err != nil {
			return err
		}
		m = warp.NewManager(route, v.Kind, conn, c.runtime, c.logger)
		c.mu.Lock()
		if existing, raced := c.managers[route]; raced {
			// Another goroutine opened the same route first; use its
			// manager and release our own duplicate connection ref.
			m = existing
			c.mu.Unlock()
			c.pool.CloseDownlink(host)
		} else {
			c.managers[route] = m
			c.mu.Unlock()
			if err := m.Open(); err != nil {
				return err
			}
		}
	} else {
		c.mu.Unlock()
	}

	v.AttachTo(m)
	for _, name := range v.RegisteredClasses() {
		c.config.NoteClass(host, name)
	}
	return nil
}

// Close detaches view from its manager. Once a route's last view is
// closed, its manager and the pool reference on its connection are
// released too.
func (c *Client) Close(v *warp.View) {
	m := v.ManagerRoute()
	v.Close()
	if m == nil {
		return
	}
	route := *m
	c.mu.Lock()
	manager, ok := c.managers[route]
	if !ok {
		c.mu.Unlock()
		return
	}
	if manager.ViewCount() > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.managers, route)
	c.mu.Unlock()

	manager.Close()
	c.pool.CloseDownlink(route.Host)
}

// Command sends a one-shot command to (host, node, lane), independent
// of any open downlink.
func (c *Client) Command(ctx context.Context, host, node, lane string, body recon.Value) error {
	conn, err := c.pool.OpenDownlink(ctx, host)
	if err != nil {
		return err
	}
	defer c.pool.CloseDownlink(host)
	return conn.SendAndWait(warp.Encode(warp.NewCommand(node, lane, body)))
}

// Stats renders per-route link-latency diagnostics for host, for
// human consumption - mirroring lwl.Client.Stats().
func (c *Client) Stats(host string) string {
	conn, ok := c.pool.GetConnection(host)
	if !ok {
		return ""
	}
	return conn.Stats()
}

// String renders the client's internal registries for debugging,
// mirroring lwl.Client.String()'s use of go-spew.
func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	routes := make([]warp.Route, 0, len(c.managers))
	for r := range c.managers {
		routes = append(routes, r)
	}
	return spew.Sprintf("warpclient.Client(\n  routes: %v\n)\n", routes)
}
