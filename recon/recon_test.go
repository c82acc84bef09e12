package recon_test

import (
	"testing"

	"github.com/meermanr/warp-go/recon"
)

func TestParseEmitRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bare identifier", "name"},
		{"quoted string", `"hello, world"`},
		{"integer", "2"},
		{"float", "1.5"},
		{"bool true", "true"},
		{"bool false", "false"},
		{"empty event", "@event(node:n,lane:l)"},
		{"value event", `@event(node:"/house/kitchen",lane:lights)"on"`},
		{"link", `@link(node:"/house/kitchen",lane:lights)`},
		{"sync open", `@sync(node:"/house/kitchen",lane:lights)`},
		{"linked", `@linked(node:"/house/kitchen",lane:lights)`},
		{"synced", `@synced(node:"/house/kitchen",lane:lights)`},
		{"map update", `@event(node:"/h",lane:tbl)@update(key:42){name:"a"}`},
		{"map remove", `@event(node:"/h",lane:tbl)@remove(key:42)`},
		{"command", `@command(node:"/h",lane:l)"hi"`},
		{"unlinked reason", `@unlinked(node:"/h",lane:x)@laneNotFound`},
		{"nested attrs", `@outer(a:1)@inner(b:2){c:3}`},
		{"escaped string", `"line\nbreak \"quote\" A"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := recon.Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.in, err)
			}
			v2, err := recon.Parse(recon.Emit(v))
			if err != nil {
				t.Fatalf("Parse(Emit(Parse(%q))) error: %v", tt.in, err)
			}
			if !recon.Equal(v, v2) {
				t.Fatalf("round trip mismatch for %q: emitted %q", tt.in, recon.Emit(v))
			}
		})
	}
}

func TestEmitExact(t *testing.T) {
	tests := []struct {
		name string
		in   recon.Value
		want string
	}{
		{"int", recon.NewInt(2), "2"},
		{"float", recon.NewFloat(1.5), "1.5"},
		{"bool false", recon.Bool(false), "false"},
		{"bool true", recon.Bool(true), "true"},
		{"plain identifier", recon.Text("name"), "name"},
		{"reserved word text", recon.Text("true"), `"true"`},
		{
			"command envelope",
			&recon.Record{Items: []recon.Item{
				recon.Attr{Name: "command", Value: &recon.Record{Items: []recon.Item{
					recon.Slot{Key: recon.Text("node"), Value: recon.Text("/a")},
					recon.Slot{Key: recon.Text("lane"), Value: recon.Text("b")},
				}}},
				recon.Text("hi"),
			}},
			`@command(node:"/a",lane:b)"hi"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recon.Emit(tt.in)
			if got != tt.want {
				t.Fatalf("Emit() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIdentifierRoundTrip(t *testing.T) {
	v, err := recon.Parse("name")
	if err != nil {
		t.Fatal(err)
	}
	if recon.Emit(v) != "name" {
		t.Fatalf("Emit(Parse(%q)) = %q", "name", recon.Emit(v))
	}

	v, err = recon.Parse(`"name"`)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := v.(recon.Text)
	if !ok || text != "name" {
		t.Fatalf(`Parse("\"name\"") = %#v, want Text("name")`, v)
	}
}

func TestEmptyBodyDecodesAbsent(t *testing.T) {
	v, err := recon.Parse("@event(node:n,lane:l)")
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := v.(*recon.Record)
	if !ok {
		t.Fatalf("expected *Record, got %T", v)
	}
	body := recon.BindItems(rec.Body())
	if _, ok := body.(recon.Absent); !ok {
		t.Fatalf("expected Absent body, got %#v", body)
	}
}

func TestUnknownTagsIgnored(t *testing.T) {
	v, err := recon.Parse("@somethingNew(node:n,lane:l)")
	if err != nil {
		t.Fatal(err)
	}
	rec := v.(*recon.Record)
	head, ok := rec.HeadAttr()
	if !ok || head.Name != "somethingNew" {
		t.Fatalf("expected head attr somethingNew, got %#v", head)
	}
}

type Light struct {
	On  bool   `recon:"on"`
	Dim int64  `recon:"dim"`
	Tag string `recon:"tag"`
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := recon.NewRegistry()
	if err := reg.Register("Light", &Light{}); err != nil {
		t.Fatal(err)
	}

	light := &Light{On: true, Dim: 12, Tag: "kitchen"}
	v, err := reg.Encode(light)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := reg.Decode(v, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*Light)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Light", decoded)
	}
	if *got != *light {
		t.Fatalf("Decode() = %+v, want %+v", *got, *light)
	}
}

func TestRegistryStrictUnknownType(t *testing.T) {
	reg := recon.NewRegistry()
	v, err := recon.Parse(`@Mystery(a:1)`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Decode(v, true); err == nil {
		t.Fatal("expected UnknownTypeError in strict mode")
	} else if _, ok := err.(*recon.UnknownTypeError); !ok {
		t.Fatalf("expected *UnknownTypeError, got %T: %v", err, err)
	}

	decoded, err := reg.Decode(v, false)
	if err != nil {
		t.Fatalf("non-strict Decode should not fail: %v", err)
	}
	if _, ok := decoded.(*recon.Record); !ok {
		t.Fatalf("non-strict Decode() = %T, want *recon.Record passthrough", decoded)
	}
}

func TestUnicodeEscape(t *testing.T) {
	v, err := recon.Parse(`"\u0041"`)
	if err != nil {
		t.Fatal(err)
	}
	if v != recon.Text("A") {
		t.Fatalf(`Parse("\"\\u0041\"") = %#v, want Text("A")`, v)
	}
}

func TestCanonicalKeyStableAcrossEncodings(t *testing.T) {
	a, err := recon.Parse("42")
	if err != nil {
		t.Fatal(err)
	}
	b, err := recon.Parse("42.0")
	if err != nil {
		t.Fatal(err)
	}
	// 42 and 42.0 are distinct numeric representations (int vs float),
	// and so get distinct canonical keys - this test instead checks
	// that re-parsing the canonical form of a key is stable.
	ka := recon.CanonicalKey(a)
	kb := recon.CanonicalKey(b)
	if ka == kb {
		t.Fatalf("expected distinct canonical keys for int vs float, got %q == %q", ka, kb)
	}

	reparsed, err := recon.Parse(ka)
	if err != nil {
		t.Fatal(err)
	}
	if recon.CanonicalKey(reparsed) != ka {
		t.Fatalf("canonical key not stable under re-parse: %q -> %q", ka, recon.CanonicalKey(reparsed))
	}
}
