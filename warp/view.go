package warp

import (
	"sync"

	"github.com/meermanr/warp-go/recon"
)

// View is both the fluent configuration builder and the attached
// subscriber handle for one downlink (spec.md C6). Configuration
// setters (Host/Node/Lane URI, registered classes, strict mode) may
// only be called before the view is attached to a Manager; afterwards
// they return AlreadyOpenError, mirroring the teacher's
// already-running guards in lwl/client.go.
type View struct {
	mu sync.Mutex

	Kind Kind

	hostURI string
	nodeURI string
	laneURI string

	registry *recon.Registry
	strict   bool

	onEvent    func(recon.Value)
	onSet      func(newV, oldV recon.Value)
	onUpdate   func(key, newV, oldV recon.Value)
	onRemove   func(key, oldV recon.Value)
	onLinked   func()
	onSynced   func()
	onUnlinked func(error)

	manager *Manager

	linkedCh   chan struct{}
	linkedOnce sync.Once
	syncedCh   chan struct{}
	syncedOnce sync.Once
}

// NewView constructs an unattached view builder of the given kind.
func NewView(kind Kind) *View {
	return &View{
		Kind:     kind,
		registry: recon.NewRegistry(),
		linkedCh: make(chan struct{}),
		syncedCh: make(chan struct{}),
	}
}

func (v *View) checkUnattached(field string) error {
	if v.manager != nil {
		return &AlreadyOpenError{Field: field}
	}
	return nil
}

// SetHostURI sets the host to connect to. Must be called before the
// view is opened.
func (v *View) SetHostURI(uri string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkUnattached("host"); err != nil {
		return err
	}
	v.hostURI = uri
	return nil
}

// SetNodeURI sets the node address. Must be called before the view is
// opened.
func (v *View) SetNodeURI(uri string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkUnattached("node"); err != nil {
		return err
	}
	v.nodeURI = uri
	return nil
}

// SetLaneURI sets the lane name. Must be called before the view is
// opened.
func (v *View) SetLaneURI(uri string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkUnattached("lane"); err != nil {
		return err
	}
	v.laneURI = uri
	return nil
}

// HostURI, NodeURI, LaneURI return the configured route, empty until
// set.
func (v *View) HostURI() string { v.mu.Lock(); defer v.mu.Unlock(); return v.hostURI }
func (v *View) NodeURI() string { v.mu.Lock(); defer v.mu.Unlock(); return v.nodeURI }
func (v *View) LaneURI() string { v.mu.Lock(); defer v.mu.Unlock(); return v.laneURI }

// RegisterClass associates a Recon attribute name with a Go struct
// type for automatic object decoding, mirroring encoding/json's tag
// conventions via the recon:"..." struct tag.
func (v *View) RegisterClass(name string, zero any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkUnattached("registered class " + name); err != nil {
		return err
	}
	return v.registry.Register(name, zero)
}

// DeregisterClass removes a previously registered class.
func (v *View) DeregisterClass(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkUnattached("registered class " + name); err != nil {
		return err
	}
	v.registry.Deregister(name)
	return nil
}

// SetStrict controls whether an unrecognised record tag is a decode
// error (true) or passed through as a raw *recon.Record (false,
// default) - see spec.md 9 on the registry's strict flag.
func (v *View) SetStrict(strict bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkUnattached("strict"); err != nil {
		return err
	}
	v.strict = strict
	return nil
}

// Strict reports the view's own strict setting, whether or not the
// view is attached. It does not report the attached manager's merged
// setting: the manager decodes with the OR of every attached view's
// flag, which this getter does not reflect. A view's strict flag is
// never swapped with another view's.
func (v *View) Strict() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.strict
}

// OnEvent registers the callback for an event downlink's payloads.
func (v *View) OnEvent(fn func(recon.Value)) { v.mu.Lock(); v.onEvent = fn; v.mu.Unlock() }

// OnSet registers the callback for a value downlink's replica changing.
func (v *View) OnSet(fn func(newV, oldV recon.Value)) { v.mu.Lock(); v.onSet = fn; v.mu.Unlock() }

// OnUpdate registers the callback for a map downlink entry being set.
func (v *View) OnUpdate(fn func(key, newV, oldV recon.Value)) {
	v.mu.Lock()
	v.onUpdate = fn
	v.mu.Unlock()
}

// OnRemove registers the callback for a map downlink entry being
// removed.
func (v *View) OnRemove(fn func(key, oldV recon.Value)) {
	v.mu.Lock()
	v.onRemove = fn
	v.mu.Unlock()
}

// OnLinked registers the callback fired once the downlink links.
func (v *View) OnLinked(fn func()) { v.mu.Lock(); v.onLinked = fn; v.mu.Unlock() }

// OnSynced registers the callback fired once the initial replica has
// been fully replayed (value/map downlinks only).
func (v *View) OnSynced(fn func()) { v.mu.Lock(); v.onSynced = fn; v.mu.Unlock() }

// OnUnlinked registers the callback fired when the downlink closes,
// with a non-nil error if closed abnormally.
func (v *View) OnUnlinked(fn func(error)) { v.mu.Lock(); v.onUnlinked = fn; v.mu.Unlock() }

// AttachTo binds this view to a live Manager and registers it for
// fan-out. Called by Client once the underlying connection and
// manager for this view's route exist.
func (v *View) AttachTo(m *Manager) {
	v.mu.Lock()
	v.manager = m
	v.mu.Unlock()
	m.AddView(v)
}

// RegisteredClasses returns the names registered on this view's
// codec registry, for diagnostics.
func (v *View) RegisteredClasses() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registry.Names()
}

// ManagerRoute returns the route of the Manager this view is attached
// to, or nil if it has not been opened yet.
func (v *View) ManagerRoute() *Route {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.manager == nil {
		return nil
	}
	r := v.manager.Route()
	return &r
}

// Close detaches this view from its manager. It does not affect other
// views sharing the same route.
func (v *View) Close() {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m != nil {
		m.RemoveView(v)
	}
}

// Get returns the current value-downlink replica. If waitSync is
// true, it blocks until the downlink has synced at least once.
func (v *View) Get(waitSync bool) (recon.Value, error) {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m == nil {
		return nil, &NotOpenError{Route: v.routeString()}
	}
	if waitSync {
		<-v.syncedCh
	}
	return m.Model().Value(), nil
}

// GetMap returns the current map-downlink entries in insertion order.
// If waitSync is true, it blocks until the downlink has synced at
// least once.
func (v *View) GetMap(waitSync bool) ([]struct{ Key, Value recon.Value }, error) {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m == nil {
		return nil, &NotOpenError{Route: v.routeString()}
	}
	if waitSync {
		<-v.syncedCh
	}
	return m.Model().MapEntries(), nil
}

// Send transmits a one-shot command on an event downlink.
func (v *View) Send(body recon.Value) error {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m == nil {
		return &NotOpenError{Route: v.routeString()}
	}
	return m.Command(body)
}

// Set writes a new replica to a value downlink. It waits for the
// downlink to be linked before sending, per spec.md's write semantics.
func (v *View) Set(newVal recon.Value) error {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m == nil {
		return &NotOpenError{Route: v.routeString()}
	}
	<-v.linkedCh
	return m.Command(newVal)
}

// Put sets a single map downlink entry. It waits for the downlink to
// be linked before sending.
func (v *View) Put(key, val recon.Value) error {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m == nil {
		return &NotOpenError{Route: v.routeString()}
	}
	<-v.linkedCh
	return m.Send(NewMapUpdateCommand(m.Route().Node, m.Route().Lane, key, val))
}

// Remove deletes a single map downlink entry. It waits for the
// downlink to be linked before sending.
func (v *View) Remove(key recon.Value) error {
	v.mu.Lock()
	m := v.manager
	v.mu.Unlock()
	if m == nil {
		return &NotOpenError{Route: v.routeString()}
	}
	<-v.linkedCh
	return m.Send(NewMapRemoveCommand(m.Route().Node, m.Route().Lane, key))
}

func (v *View) routeString() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hostURI + " " + v.nodeURI + "/" + v.laneURI
}

// deliver applies one delta to this view's callbacks. Called by
// Manager on a scheduled task - never directly on the connection's
// read goroutine - so a slow callback delays only the later callbacks
// queued for the same route.
func (v *View) deliver(d Delta) {
	v.mu.Lock()
	onEvent, onSet := v.onEvent, v.onSet
	onUpdate, onRemove := v.onUpdate, v.onRemove
	onLinked, onSynced, onUnlinked := v.onLinked, v.onSynced, v.onUnlinked
	v.mu.Unlock()

	switch delta := d.(type) {
	case LinkedDelta:
		v.linkedOnce.Do(func() { close(v.linkedCh) })
		if onLinked != nil {
			onLinked()
		}
	case SyncedDelta:
		v.syncedOnce.Do(func() { close(v.syncedCh) })
		if onSynced != nil {
			onSynced()
		}
	case EventDelta:
		if onEvent != nil {
			onEvent(delta.Value)
		}
	case ValueSetDelta:
		if onSet != nil {
			onSet(delta.New, delta.Old)
		}
	case MapUpdateDelta:
		if onUpdate != nil {
			onUpdate(delta.Key, delta.New, delta.Old)
		}
	case MapRemoveDelta:
		if onRemove != nil {
			onRemove(delta.Key, delta.Old)
		}
	case UnlinkedDelta:
		v.linkedOnce.Do(func() { close(v.linkedCh) })
		v.syncedOnce.Do(func() { close(v.syncedCh) })
		if onUnlinked != nil {
			onUnlinked(delta.Err)
		}
	}
}
