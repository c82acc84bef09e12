package warp

import (
	"github.com/meermanr/warp-go/recon"
)

// Kind identifies which of the three downlink flavours a model
// implements.
type Kind int

const (
	KindEvent Kind = iota
	KindValue
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindValue:
		return "value"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// State is the downlink model's lifecycle state (spec.md 4.4).
type State int

const (
	StateUnopened State = iota
	StateLinking
	StateLinked
	StateSyncing
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "Unopened"
	case StateLinking:
		return "Linking"
	case StateLinked:
		return "Linked"
	case StateSyncing:
		return "Syncing"
	case StateSynced:
		return "Synced"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Delta is one observable change produced by feeding an envelope to a
// Model. Manager translates deltas into per-view callback dispatch; a
// Model never talks to views directly, since it has no notion of how
// many subscribers exist.
type Delta interface {
	isDelta()
}

// LinkedDelta fires once, when the remote agent acknowledges the
// link/sync request.
type LinkedDelta struct{}

func (LinkedDelta) isDelta() {}

// SyncedDelta fires once, when the initial replica is fully replayed
// (value/map downlinks only).
type SyncedDelta struct{}

func (SyncedDelta) isDelta() {}

// EventDelta carries a raw event downlink payload.
type EventDelta struct {
	Value recon.Value
}

func (EventDelta) isDelta() {}

// ValueSetDelta reports a value downlink's replica changing.
type ValueSetDelta struct {
	New, Old recon.Value
}

func (ValueSetDelta) isDelta() {}

// MapUpdateDelta reports a map downlink entry being set.
type MapUpdateDelta struct {
	Key, New, Old recon.Value
}

func (MapUpdateDelta) isDelta() {}

// MapRemoveDelta reports a map downlink entry being removed.
type MapRemoveDelta struct {
	Key, Old recon.Value
}

func (MapRemoveDelta) isDelta() {}

// UnlinkedDelta reports that the remote agent (or a synthetic
// transport failure) closed the downlink. Err is nil for a plain
// unlink, a *LaneNotFoundError for @laneNotFound, or a
// *TransportError for a transport failure.
type UnlinkedDelta struct {
	Err error
}

func (UnlinkedDelta) isDelta() {}

// Model is the downlink protocol state machine: it owns the
// replicated state (nothing for event, a single Value for value, an
// ordered map for map) and decides, envelope by envelope, what state
// to keep and what Deltas to report. It knows nothing about views or
// connections; Manager wires both around it.
type Model struct {
	Kind Kind
	Node string
	Lane string

	state State

	value recon.Value // KindValue only

	mapOrder []string             // KindMap only: canonical keys, insertion order
	mapIndex map[string]*mapEntry // KindMap only
}

type mapEntry struct {
	key   recon.Value
	value recon.Value
}

// NewModel constructs an unopened Model for the given route and kind.
func NewModel(kind Kind, node, lane string) *Model {
	m := &Model{Kind: kind, Node: node, Lane: lane, state: StateUnopened}
	if kind == KindValue {
		m.value = recon.Absent{}
	}
	if kind == KindMap {
		m.mapIndex = make(map[string]*mapEntry)
	}
	return m
}

// State returns the model's current lifecycle state.
func (m *Model) State() State { return m.state }

// OpenEnvelope returns the link or sync request to send when the
// downlink is first opened, and advances the state to Linking.
func (m *Model) OpenEnvelope() Envelope {
	m.state = StateLinking
	switch m.Kind {
	case KindEvent:
		return NewLink(m.Node, m.Lane)
	default:
		return NewSync(m.Node, m.Lane)
	}
}

// Value returns the last-observed replica of a value downlink.
func (m *Model) Value() recon.Value { return m.value }

// MapEntries returns the map downlink's current (key, value) pairs in
// insertion order.
func (m *Model) MapEntries() []struct{ Key, Value recon.Value } {
	out := make([]struct{ Key, Value recon.Value }, 0, len(m.mapOrder))
	for _, canon := range m.mapOrder {
		e := m.mapIndex[canon]
		out = append(out, struct{ Key, Value recon.Value }{e.key, e.value})
	}
	return out
}

// HandleEnvelope feeds one inbound envelope through the state machine,
// updating replicated state and returning the deltas observers should
// be told about.
func (m *Model) HandleEnvelope(e Envelope) []Delta {
	if m.state == StateClosed {
		return nil
	}

	switch e.Tag {
	case TagLinked:
		if m.Kind == KindEvent {
			m.state = StateLinked
		} else {
			m.state = StateSyncing
		}
		return []Delta{LinkedDelta{}}

	case TagSynced:
		m.state = StateSynced
		return []Delta{SyncedDelta{}}

	case TagEvent:
		return m.handleEvent(e)

	case TagUnlinked:
		m.state = StateClosed
		if reason, ok := unlinkedReason(e); ok && reason == "laneNotFound" {
			return []Delta{UnlinkedDelta{Err: &LaneNotFoundError{Lane: m.Lane}}}
		}
		return []Delta{UnlinkedDelta{}}

	default:
		return nil
	}
}

// Close transitions the model to Closed, as when the view closes it
// locally (no unlinked envelope observed).
func (m *Model) Close() {
	m.state = StateClosed
}

func (m *Model) handleEvent(e Envelope) []Delta {
	switch m.Kind {
	case KindEvent:
		return []Delta{EventDelta{Value: e.Body()}}

	case KindValue:
		old := m.value
		m.value = e.Body()
		return []Delta{ValueSetDelta{New: m.value, Old: old}}

	case KindMap:
		return m.handleMapEvent(e)

	default:
		return nil
	}
}

func (m *Model) handleMapEvent(e Envelope) []Delta {
	body := e.Body()
	rec, ok := body.(*recon.Record)
	if !ok {
		return nil
	}
	head, ok := rec.HeadAttr()
	if !ok {
		return nil
	}

	switch head.Name {
	case "update":
		key, ok := keySlotValue(head.Value)
		if !ok {
			return nil
		}
		payload := recon.BindItems(rec.Items[1:])
		canon := recon.CanonicalKey(key)
		var old recon.Value = recon.Absent{}
		if existing, found := m.mapIndex[canon]; found {
			old = existing.value
		} else {
			m.mapOrder = append(m.mapOrder, canon)
		}
		m.mapIndex[canon] = &mapEntry{key: key, value: payload}
		return []Delta{MapUpdateDelta{Key: key, New: payload, Old: old}}

	case "remove":
		key, ok := keySlotValue(head.Value)
		if !ok {
			return nil
		}
		canon := recon.CanonicalKey(key)
		existing, found := m.mapIndex[canon]
		if !found {
			return nil
		}
		delete(m.mapIndex, canon)
		for i, c := range m.mapOrder {
			if c == canon {
				m.mapOrder = append(m.mapOrder[:i], m.mapOrder[i+1:]...)
				break
			}
		}
		return []Delta{MapRemoveDelta{Key: key, Old: existing.value}}

	default:
		return nil
	}
}

func keySlotValue(v recon.Value) (recon.Value, bool) {
	rec, ok := v.(*recon.Record)
	if !ok {
		return nil, false
	}
	for _, item := range rec.Items {
		slot, ok := item.(recon.Slot)
		if !ok {
			continue
		}
		if key, ok := slot.Key.(recon.Text); ok && string(key) == "key" {
			return slot.Value, true
		}
	}
	return nil, false
}

func unlinkedReason(e Envelope) (string, bool) {
	body := e.Body()
	rec, ok := body.(*recon.Record)
	if !ok {
		return "", false
	}
	head, ok := rec.HeadAttr()
	if !ok {
		return "", false
	}
	return head.Name, true
}

// ReplayDeltas returns the deltas a newly-attached view must see to
// catch up with a model that has already reached Syncing/Synced, per
// spec.md 4.3 (AddView replay): for a value downlink, a single
// did_set(current, Absent); for a map downlink, did_update(k, v,
// Absent) for every entry in insertion order.
func (m *Model) ReplayDeltas() []Delta {
	switch m.Kind {
	case KindValue:
		if _, ok := m.value.(recon.Absent); ok {
			return nil
		}
		return []Delta{ValueSetDelta{New: m.value, Old: recon.Absent{}}}
	case KindMap:
		deltas := make([]Delta, 0, len(m.mapOrder))
		for _, canon := range m.mapOrder {
			e := m.mapIndex[canon]
			deltas = append(deltas, MapUpdateDelta{Key: e.key, New: e.value, Old: recon.Absent{}})
		}
		return deltas
	default:
		return nil
	}
}
