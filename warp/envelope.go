// Package warp implements the WARP envelope model, the downlink state
// machine (event/value/map), the per-route manager that fans inbound
// events out to subscriber views, and the view/builder API user code
// constructs downlinks through.
package warp

import (
	"fmt"

	"github.com/meermanr/warp-go/recon"
)

// Tag identifies the kind of a WARP envelope.
type Tag string

const (
	TagLink     Tag = "link"
	TagSync     Tag = "sync"
	TagLinked   Tag = "linked"
	TagSynced   Tag = "synced"
	TagUnlinked Tag = "unlinked"
	TagEvent    Tag = "event"
	TagCommand  Tag = "command"
)

// Envelope is a single WARP frame: a tag, the (node, lane) route, and
// whatever items follow the route attribute. Most envelopes carry at
// most one body item; Body collapses BodyItems the same way a Recon
// block collapses its items, so callers that only care about the
// logical payload don't need to know about the item list.
type Envelope struct {
	Tag       Tag
	Node      string
	Lane      string
	BodyItems []recon.Item
}

// Body returns the envelope's payload as a single collapsed Value.
func (e Envelope) Body() recon.Value {
	return recon.BindItems(e.BodyItems)
}

// NewLink constructs a link-request envelope (event downlinks).
func NewLink(node, lane string) Envelope {
	return Envelope{Tag: TagLink, Node: node, Lane: lane}
}

// NewSync constructs a sync-request envelope (value/map downlinks).
func NewSync(node, lane string) Envelope {
	return Envelope{Tag: TagSync, Node: node, Lane: lane}
}

// NewCommand constructs an outbound command envelope carrying body as
// its single payload item.
func NewCommand(node, lane string, body recon.Value) Envelope {
	return Envelope{Tag: TagCommand, Node: node, Lane: lane, BodyItems: bodyItemsFor(body)}
}

// NewMapUpdateCommand constructs the command envelope a map downlink's
// Put sends: @command(node,lane)@update(key:K)V.
func NewMapUpdateCommand(node, lane string, key, value recon.Value) Envelope {
	items := []recon.Item{
		recon.Attr{Name: "update", Value: &recon.Record{Items: []recon.Item{
			recon.Slot{Key: recon.Text("key"), Value: key},
		}}},
	}
	items = append(items, bodyItemsFor(value)...)
	return Envelope{Tag: TagCommand, Node: node, Lane: lane, BodyItems: items}
}

// NewMapRemoveCommand constructs the command envelope a map downlink's
// Remove sends: @command(node,lane)@remove(key:K).
func NewMapRemoveCommand(node, lane string, key recon.Value) Envelope {
	items := []recon.Item{
		recon.Attr{Name: "remove", Value: &recon.Record{Items: []recon.Item{
			recon.Slot{Key: recon.Text("key"), Value: key},
		}}},
	}
	return Envelope{Tag: TagCommand, Node: node, Lane: lane, BodyItems: items}
}

func bodyItemsFor(v recon.Value) []recon.Item {
	if _, ok := v.(recon.Absent); ok {
		return nil
	}
	return []recon.Item{v}
}

// routeItems builds the [node: ..., lane: ...] slot pair carried by
// every tag's attribute argument list.
func routeItems(node, lane string) []recon.Item {
	return []recon.Item{
		recon.Slot{Key: recon.Text("node"), Value: recon.Text(node)},
		recon.Slot{Key: recon.Text("lane"), Value: recon.Text(lane)},
	}
}

// Encode renders an envelope to its canonical Recon wire form.
func Encode(e Envelope) string {
	items := []recon.Item{
		recon.Attr{Name: string(e.Tag), Value: &recon.Record{Items: routeItems(e.Node, e.Lane)}},
	}
	items = append(items, e.BodyItems...)
	return recon.Emit(&recon.Record{Items: items})
}

// DecodeEnvelope parses a single wire message into an Envelope. The
// tag is taken as-is from the head attribute's name; it is the
// caller's responsibility to ignore an unrecognised tag, which
// Model.HandleEnvelope does.
func DecodeEnvelope(wire string) (Envelope, error) {
	v, err := recon.Parse(wire)
	if err != nil {
		return Envelope{}, err
	}
	rec, ok := v.(*recon.Record)
	if !ok {
		return Envelope{}, fmt.Errorf("warp: envelope is not a tagged record: %q", wire)
	}
	head, ok := rec.HeadAttr()
	if !ok {
		return Envelope{}, fmt.Errorf("warp: envelope has no tag attribute: %q", wire)
	}
	node, lane, err := extractRoute(head.Value)
	if err != nil {
		return Envelope{}, fmt.Errorf("warp: envelope %q: %w", wire, err)
	}
	return Envelope{
		Tag:       Tag(head.Name),
		Node:      node,
		Lane:      lane,
		BodyItems: rec.Items[1:],
	}, nil
}

func extractRoute(v recon.Value) (node, lane string, err error) {
	rec, ok := v.(*recon.Record)
	if !ok {
		return "", "", fmt.Errorf("missing (node, lane) route")
	}
	for _, item := range rec.Items {
		slot, ok := item.(recon.Slot)
		if !ok {
			continue
		}
		key, ok := slot.Key.(recon.Text)
		if !ok {
			continue
		}
		text, ok := slot.Value.(recon.Text)
		if !ok {
			continue
		}
		switch string(key) {
		case "node":
			node = string(text)
		case "lane":
			lane = string(text)
		}
	}
	if node == "" {
		return "", "", fmt.Errorf("missing node in route")
	}
	return node, lane, nil
}
