package pool

import (
	"log/slog"
	"testing"
	"time"
)

func TestRouteOfParsesEventEnvelope(t *testing.T) {
	route, ok := routeOf(`@event(node:"/house/kitchen",lane:lights)"on"`)
	if !ok {
		t.Fatal("routeOf: expected ok")
	}
	if route.Node != "/house/kitchen" || route.Lane != "lights" {
		t.Fatalf("route = %+v", route)
	}
}

func TestRouteOfRejectsGarbage(t *testing.T) {
	if _, ok := routeOf("not recon at all {{{"); ok {
		t.Fatal("routeOf: expected not ok for unparseable input")
	}
	if _, ok := routeOf("just-an-identifier"); ok {
		t.Fatal("routeOf: expected not ok for a bare value with no route")
	}
}

func TestConnectionSendBeforeOpenErrors(t *testing.T) {
	c := newConnection("ws://example.com", slog.Default())
	if err := c.Send(`@command(node:n,lane:l)`); err == nil {
		t.Fatal("expected error sending on an unopened connection")
	}
}

func TestConnectionDispatchDropsUnknownRoute(t *testing.T) {
	c := newConnection("ws://example.com", slog.Default())
	// No receivers registered; dispatch must not panic.
	c.dispatch(`@event(node:"/a",lane:b)1`)
}

type recordingReceiver struct {
	wires        []string
	disconnected error
}

func (r *recordingReceiver) Receive(wire string)  { r.wires = append(r.wires, wire) }
func (r *recordingReceiver) Disconnected(err error) { r.disconnected = err }

func TestConnectionDispatchRoutesToReceiver(t *testing.T) {
	c := newConnection("ws://example.com", slog.Default())
	r := &recordingReceiver{}
	c.Register(RouteKey{Node: "/a", Lane: "b"}, r)

	c.dispatch(`@event(node:"/a",lane:b)1`)
	if len(r.wires) != 1 {
		t.Fatalf("expected 1 delivered wire, got %d", len(r.wires))
	}

	c.Unregister(RouteKey{Node: "/a", Lane: "b"})
	c.dispatch(`@event(node:"/a",lane:b)2`)
	if len(r.wires) != 1 {
		t.Fatalf("expected delivery to stop after Unregister, got %d", len(r.wires))
	}
}

func TestConnectionCloseNotifiesReceiversOnlyWithCause(t *testing.T) {
	c := newConnection("ws://example.com", slog.Default())
	r := &recordingReceiver{}
	c.Register(RouteKey{Node: "/a", Lane: "b"}, r)

	c.Close(nil)
	if r.disconnected != nil {
		t.Fatalf("expected no Disconnected call on a clean close, got %v", r.disconnected)
	}
}

func TestConnectionCloseWithCauseNotifiesReceivers(t *testing.T) {
	c := newConnection("ws://example.com", slog.Default())
	r := &recordingReceiver{}
	c.Register(RouteKey{Node: "/a", Lane: "b"}, r)

	cause := &TransportErrorCause{Err: errTest{"boom"}}
	c.Close(cause)
	if r.disconnected == nil {
		t.Fatal("expected Disconnected to be called")
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }

func TestLatencyStatsSampleAndReport(t *testing.T) {
	c := newConnection("ws://example.com", slog.Default())
	route := RouteKey{Node: "/a", Lane: "b"}
	c.SampleLatency(route, 10*time.Millisecond)
	c.SampleLatency(route, 30*time.Millisecond)

	report := c.Stats()
	if report == "" {
		t.Fatal("expected non-empty stats report")
	}
}
