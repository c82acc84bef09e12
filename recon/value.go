// Package recon implements the Recon (record notation) data model and
// codec used to serialise every WARP envelope: a self-describing
// textual format built from records, attributes, slots and a small set
// of primitive value kinds.
package recon

import (
	"fmt"
	"strconv"
)

// Item is anything that can appear inside a Record: an Attr, a Slot, or
// a bare Value. Every Value also satisfies Item so it can be stored
// directly in a Record's item list.
type Item interface {
	isItem()
}

// Value is a node in the Recon value tree. The concrete types are
// Absent, Extant, Text, Num, Bool and *Record, plus Decoded for a
// registered Go object produced by a Registry.
type Value interface {
	Item
	isValue()
}

// Absent represents a wholly missing value, e.g. the body of an
// envelope that carries no payload.
type Absent struct{}

func (Absent) isItem()  {}
func (Absent) isValue() {}

// Extant represents a present-but-empty value, distinct from Absent.
type Extant struct{}

func (Extant) isItem()  {}
func (Extant) isValue() {}

// Text is a string value. Bare identifiers, quoted string literals and
// the reserved words true/false (once converted to Bool) all decode
// through this family of primitives.
type Text string

func (Text) isItem()  {}
func (Text) isValue() {}

// Bool is a boolean value, produced by the reserved identifiers true
// and false.
type Bool bool

func (Bool) isItem()  {}
func (Bool) isValue() {}

// Num is a numeric value. IsInt distinguishes an integral literal
// (no '.', 'e' or 'E' in its source text) from a floating one; exactly
// one of IntValue/FloatValue is meaningful depending on IsInt.
type Num struct {
	IsInt      bool
	IntValue   int64
	FloatValue float64
}

func (Num) isItem()  {}
func (Num) isValue() {}

// NewInt returns an integral Num.
func NewInt(v int64) Num { return Num{IsInt: true, IntValue: v} }

// NewFloat returns a floating Num.
func NewFloat(v float64) Num { return Num{IsInt: false, FloatValue: v} }

// Float returns the value as a float64 regardless of IsInt.
func (n Num) Float() float64 {
	if n.IsInt {
		return float64(n.IntValue)
	}
	return n.FloatValue
}

// String renders the canonical shortest round-trippable form, e.g.
// "2" for an integral Num and "1.5" for a floating one. A floating Num
// with an integral value keeps a ".0" suffix ("42.0") so that it
// re-parses as floating rather than integral.
func (n Num) String() string {
	if n.IsInt {
		return strconv.FormatInt(n.IntValue, 10)
	}
	s := strconv.FormatFloat(n.FloatValue, 'g', -1, 64)
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		s += ".0"
	}
	return s
}

// Decoded wraps the result of running a *Record through a Registry's
// record converter when that result is a registered Go struct rather
// than one of Recon's own primitive kinds - it lets a decoded user
// object flow through the same recon.Value-typed Delta fields and
// callback signatures as any other inbound value. Obj holds the
// pointer returned by Registry.Decode.
type Decoded struct {
	Obj any
}

func (Decoded) isItem()  {}
func (Decoded) isValue() {}

// Attr is an attribute item, @name(value). A bare @name with no
// parenthesised argument carries an Extant value.
type Attr struct {
	Name  string
	Value Value
}

func (Attr) isItem() {}

// Slot is a key:value item.
type Slot struct {
	Key   Value
	Value Value
}

func (Slot) isItem() {}

// Record is an ordered sequence of items: zero or more leading
// attributes followed by zero or more slots/bare values. Both
// attribute order and slot order are significant for round-trip.
type Record struct {
	Items []Item
}

func (*Record) isItem()  {}
func (*Record) isValue() {}

// NewRecord returns an empty *Record ready for Append.
func NewRecord() *Record {
	return &Record{}
}

// Append adds an item and returns the record, for chained construction.
func (r *Record) Append(item Item) *Record {
	r.Items = append(r.Items, item)
	return r
}

// Attrs returns the leading Attr items of the record, in order.
func (r *Record) Attrs() []Attr {
	var out []Attr
	for _, it := range r.Items {
		if a, ok := it.(Attr); ok {
			out = append(out, a)
		} else {
			break
		}
	}
	return out
}

// HeadAttr returns the first attribute of the record, if any, and
// whether one was present. WARP envelope tags and map update/remove
// markers are both identified by head attribute.
func (r *Record) HeadAttr() (Attr, bool) {
	if len(r.Items) == 0 {
		return Attr{}, false
	}
	if a, ok := r.Items[0].(Attr); ok {
		return a, true
	}
	return Attr{}, false
}

// Body returns the non-attribute items following the leading
// attributes, i.e. the record's value payload once its tag(s) are
// stripped.
func (r *Record) Body() []Item {
	attrs := r.Attrs()
	return r.Items[len(attrs):]
}

// ValueBuilder accumulates items parsed from a block and, on Bind,
// collapses them to either a single contained Value (when there is
// exactly one item and it is a bare value, no attributes) or a Record.
// This mirrors the "returns a Value or a Record" behaviour of the
// source's ValueBuilder as a tagged union.
type ValueBuilder struct {
	items []Item
}

// Add appends an item to the builder.
func (b *ValueBuilder) Add(item Item) {
	b.items = append(b.items, item)
}

// Bind finalises the builder into a Value.
func (b *ValueBuilder) Bind() Value {
	return BindItems(b.items)
}

// BindItems applies the builder's collapse rule to an arbitrary item
// slice: zero items is Absent, a single bare (non-attribute) value is
// returned unwrapped, anything else becomes a Record. It is used both
// by ValueBuilder and wherever a sub-slice of an existing Record's
// items (e.g. an envelope's body, once its tag attribute is stripped)
// must be re-collapsed the same way.
func BindItems(items []Item) Value {
	switch len(items) {
	case 0:
		return Absent{}
	case 1:
		if v, ok := items[0].(Value); ok {
			if _, isAttr := items[0].(Attr); !isAttr {
				return v
			}
		}
	}
	return &Record{Items: items}
}

// CanonicalKey returns the stable identity of a map downlink key: its
// canonical Recon serialization. Two keys that decode from different
// wire representations but compare Equal produce the same string, so
// the map downlink's ordered map can use it as the map's true key even
// though it also retains the originally decoded Value alongside it.
func CanonicalKey(v Value) string {
	return Emit(v)
}

// Equal reports whether two values are structurally identical,
// including attribute and slot order.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Absent:
		_, ok := b.(Absent)
		return ok
	case Extant:
		_, ok := b.(Extant)
		return ok
	case Text:
		bv, ok := b.(Text)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Num:
		bv, ok := b.(Num)
		if !ok {
			return false
		}
		if av.IsInt != bv.IsInt {
			return false
		}
		if av.IsInt {
			return av.IntValue == bv.IntValue
		}
		return av.FloatValue == bv.FloatValue
	case *Record:
		bv, ok := b.(*Record)
		if !ok || len(av.Items) != len(bv.Items) {
			return false
		}
		for i := range av.Items {
			if !itemEqual(av.Items[i], bv.Items[i]) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("recon: unhandled Value type %T", a))
	}
}

func itemEqual(a, b Item) bool {
	switch av := a.(type) {
	case Attr:
		bv, ok := b.(Attr)
		return ok && av.Name == bv.Name && Equal(av.Value, bv.Value)
	case Slot:
		bv, ok := b.(Slot)
		return ok && Equal(av.Key, bv.Key) && Equal(av.Value, bv.Value)
	case Value:
		bv, ok := b.(Value)
		return ok && Equal(av, bv)
	default:
		panic(fmt.Sprintf("recon: unhandled Item type %T", a))
	}
}
