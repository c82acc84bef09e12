package recon

import (
	"fmt"
	"strings"
)

// Emit renders a Value as Recon text. It is the inverse of Parse:
// Parse(Emit(v)) reproduces v for any well-formed tree. Emission never
// fails for a well-formed tree built through this package's
// constructors.
func Emit(v Value) string {
	if r, ok := v.(*Record); ok {
		return emitItems(r.Items)
	}
	return emitPrimitive(v)
}

// emitItems renders a sequence of items following the rule: attributes
// are glued directly to whatever precedes or follows them (no comma),
// while adjacent non-attribute items (slots, bare values) are
// comma-separated. This reproduces forms like
// `@event(node:n,lane:l)"body"` (attr glued to body, no comma) and
// `node:"/h",lane:tbl` (slots inside an attribute's argument list,
// comma separated).
func emitItems(items []Item) string {
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			_, curAttr := item.(Attr)
			_, prevAttr := items[i-1].(Attr)
			if !curAttr && !prevAttr {
				sb.WriteByte(',')
			}
		}
		sb.WriteString(emitItem(item))
	}
	return sb.String()
}

func emitItem(item Item) string {
	switch it := item.(type) {
	case Attr:
		return emitAttr(it)
	case Slot:
		return emitSlot(it)
	case Value:
		return emitBareItem(it)
	default:
		panic(fmt.Sprintf("recon: unhandled item type %T", item))
	}
}

func emitAttr(a Attr) string {
	if _, ok := a.Value.(Extant); ok {
		return "@" + a.Name
	}
	var inner string
	if r, ok := a.Value.(*Record); ok {
		inner = emitItems(r.Items)
	} else {
		inner = emitPrimitive(a.Value)
	}
	return "@" + a.Name + "(" + inner + ")"
}

func emitSlot(s Slot) string {
	key := emitValue(s.Key)
	if _, ok := s.Value.(Extant); ok {
		return key + ":"
	}
	return key + ":" + emitValue(s.Value)
}

// emitValue renders a slot's key or value: a nested Record is
// self-delimited with braces since, unlike an attribute argument list,
// there is no surrounding punctuation to carry that role. Text still
// takes the compact bare-identifier form when it matches the grammar,
// e.g. the lane in node:"/a",lane:lights.
func emitValue(v Value) string {
	if r, ok := v.(*Record); ok {
		return "{" + emitItems(r.Items) + "}"
	}
	return emitPrimitive(v)
}

// emitBareItem renders a Value that stands alone as a record item
// rather than filling a slot or attribute argument - most commonly an
// envelope's body, e.g. the "hi" in @command(node:"/a",lane:b)"hi".
// Text is always quoted here, even when it would otherwise fit the
// identifier grammar: the body is opaque payload data, not a tag
// name, and spec.md's command round-trip property fixes its quoted
// form regardless of shape. This is the one place emission depends on
// position rather than value alone - slot values keep the compact
// bare form via emitValue.
func emitBareItem(v Value) string {
	if t, ok := v.(Text); ok {
		return quoteString(string(t))
	}
	if r, ok := v.(*Record); ok {
		return "{" + emitItems(r.Items) + "}"
	}
	return emitPrimitive(v)
}

func emitPrimitive(v Value) string {
	switch val := v.(type) {
	case Absent:
		return ""
	case Extant:
		return ""
	case Bool:
		if val {
			return "true"
		}
		return "false"
	case Num:
		return val.String()
	case Text:
		return emitText(string(val))
	case *Record:
		return "{" + emitItems(val.Items) + "}"
	default:
		panic(fmt.Sprintf("recon: unhandled value type %T", v))
	}
}

func emitText(s string) string {
	if isPlainIdentifier(s) {
		return s
	}
	return quoteString(s)
}

func isPlainIdentifier(s string) bool {
	if s == "" || s == "true" || s == "false" {
		return false
	}
	if !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentCont(s[i]) {
			return false
		}
	}
	// '-' and '.' are only valid interior to an identifier, never trailing.
	last := s[len(s)-1]
	return last != '-' && last != '.'
}

func quoteString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
