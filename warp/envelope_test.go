package warp_test

import (
	"testing"

	"github.com/meermanr/warp-go/recon"
	"github.com/meermanr/warp-go/warp"
)

func TestEncodeCommand(t *testing.T) {
	e := warp.NewCommand("/a", "b", recon.Text("hi"))
	got := warp.Encode(e)
	want := `@command(node:"/a",lane:b)"hi"`
	if got != want {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeMapUpdateAndRemove(t *testing.T) {
	update := warp.NewMapUpdateCommand("/h", "tbl", recon.NewInt(42), recon.Text("a"))
	if got, want := warp.Encode(update), `@command(node:"/h",lane:tbl)@update(key:42)"a"`; got != want {
		t.Fatalf("update Encode() = %q, want %q", got, want)
	}

	remove := warp.NewMapRemoveCommand("/h", "tbl", recon.NewInt(42))
	if got, want := warp.Encode(remove), `@command(node:"/h",lane:tbl)@remove(key:42)`; got != want {
		t.Fatalf("remove Encode() = %q, want %q", got, want)
	}
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	wire := `@event(node:"/house/kitchen",lane:lights)"on"`
	e, err := warp.DecodeEnvelope(wire)
	if err != nil {
		t.Fatal(err)
	}
	if e.Tag != warp.TagEvent || e.Node != "/house/kitchen" || e.Lane != "lights" {
		t.Fatalf("unexpected decode: %+v", e)
	}
	if body, ok := e.Body().(recon.Text); !ok || body != "on" {
		t.Fatalf("unexpected body: %#v", e.Body())
	}
	if warp.Encode(e) != wire {
		t.Fatalf("Encode(Decode(%q)) = %q", wire, warp.Encode(e))
	}
}

func TestDecodeEnvelopeMissingRoute(t *testing.T) {
	if _, err := warp.DecodeEnvelope(`@event()`); err == nil {
		t.Fatal("expected error for envelope with no route")
	}
}
