package warpclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	warpclient "github.com/meermanr/warp-go"
	"github.com/meermanr/warp-go/recon"
)

// scriptedServer is a minimal in-process WARP peer, modeled on the
// swim client test suite's scripted-server approach: it accepts
// WebSocket connections and lets the test register a canned response
// per inbound wire frame.
type scriptedServer struct {
	t         *testing.T
	upgrader  websocket.Upgrader
	accepts   atomic.Int32
	onMessage func(conn *websocket.Conn, wire string)
}

func newScriptedServer(t *testing.T, onMessage func(conn *websocket.Conn, wire string)) (*httptest.Server, *atomic.Int32) {
	s := &scriptedServer{t: t, onMessage: onMessage}
	return httptest.NewServer(s), &s.accepts
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("upgrade failed: %v", err)
		return
	}
	s.accepts.Add(1)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.onMessage != nil {
			s.onMessage(conn, string(data))
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestE2E_ValueDownlinkSync(t *testing.T) {
	srv, _ := newScriptedServer(t, func(conn *websocket.Conn, wire string) {
		if strings.Contains(wire, `@sync(node:"/unit/house",lane:temperature)`) {
			conn.WriteMessage(websocket.TextMessage, []byte(`@linked(node:"/unit/house",lane:temperature)`))
			conn.WriteMessage(websocket.TextMessage, []byte(`@event(node:"/unit/house",lane:temperature)42`))
			conn.WriteMessage(websocket.TextMessage, []byte(`@synced(node:"/unit/house",lane:temperature)`))
		}
	})
	defer srv.Close()

	c := warpclient.New(nil)
	c.Start()
	defer c.Stop()

	view := c.DownlinkValue(wsURL(srv.URL), "/unit/house", "temperature")
	synced := make(chan struct{})
	view.OnSynced(func() { close(synced) })

	if err := c.Open(context.Background(), view); err != nil {
		t.Fatal(err)
	}

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synced")
	}

	got, err := view.Get(true)
	if err != nil {
		t.Fatal(err)
	}
	if !recon.Equal(got, recon.NewInt(42)) {
		t.Fatalf("Get() = %#v, want 42", got)
	}
}

func TestE2E_Command(t *testing.T) {
	srv, _ := newScriptedServer(t, nil)
	defer srv.Close()

	c := warpclient.New(nil)
	c.Start()
	defer c.Stop()

	if err := c.Command(context.Background(), wsURL(srv.URL), "/unit/house", "lights", recon.Text("on")); err != nil {
		t.Fatal(err)
	}
}

func TestE2E_LaneNotFound(t *testing.T) {
	srv, _ := newScriptedServer(t, func(conn *websocket.Conn, wire string) {
		if strings.Contains(wire, "lane:missing") {
			conn.WriteMessage(websocket.TextMessage, []byte(`@unlinked(node:"/unit/house",lane:missing)@laneNotFound`))
		}
	})
	defer srv.Close()

	c := warpclient.New(nil)
	c.Start()
	defer c.Stop()

	view := c.DownlinkEvent(wsURL(srv.URL), "/unit/house", "missing")
	unlinked := make(chan error, 1)
	view.OnUnlinked(func(err error) { unlinked <- err })

	if err := c.Open(context.Background(), view); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-unlinked:
		if err == nil {
			t.Fatal("expected a lane-not-found error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unlinked")
	}
}

func TestE2E_MapUpdateRemove(t *testing.T) {
	srv, _ := newScriptedServer(t, func(conn *websocket.Conn, wire string) {
		if strings.Contains(wire, `@sync(node:"/unit/house",lane:occupants)`) {
			conn.WriteMessage(websocket.TextMessage, []byte(`@linked(node:"/unit/house",lane:occupants)`))
			conn.WriteMessage(websocket.TextMessage, []byte(`@event(node:"/unit/house",lane:occupants)@update(key:1)"alice"`))
			conn.WriteMessage(websocket.TextMessage, []byte(`@event(node:"/unit/house",lane:occupants)@remove(key:1)`))
			conn.WriteMessage(websocket.TextMessage, []byte(`@synced(node:"/unit/house",lane:occupants)`))
		}
	})
	defer srv.Close()

	c := warpclient.New(nil)
	c.Start()
	defer c.Stop()

	view := c.DownlinkMap(wsURL(srv.URL), "/unit/house", "occupants")
	var updates, removes int32
	view.OnUpdate(func(key, newV, oldV recon.Value) { atomic.AddInt32(&updates, 1) })
	view.OnRemove(func(key, oldV recon.Value) { atomic.AddInt32(&removes, 1) })
	synced := make(chan struct{})
	view.OnSynced(func() { close(synced) })

	if err := c.Open(context.Background(), view); err != nil {
		t.Fatal(err)
	}

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synced")
	}

	if atomic.LoadInt32(&updates) != 1 || atomic.LoadInt32(&removes) != 1 {
		t.Fatalf("updates=%d removes=%d, want 1 and 1", updates, removes)
	}

	entries, err := view.GetMap(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty map after remove, got %d entries", len(entries))
	}
}

func TestE2E_ConnectionReuseAcrossLanes(t *testing.T) {
	srv, accepts := newScriptedServer(t, nil)
	defer srv.Close()

	c := warpclient.New(nil)
	c.Start()
	defer c.Stop()

	host := wsURL(srv.URL)
	v1 := c.DownlinkValue(host, "/unit/house", "a")
	v2 := c.DownlinkValue(host, "/unit/house", "b")

	if err := c.Open(context.Background(), v1); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(context.Background(), v2); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := accepts.Load(); got != 1 {
		t.Fatalf("expected exactly one transport dialed for two lanes on the same host, got %d", got)
	}
}
