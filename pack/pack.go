// Package pack implements the binary PACK record format SoftEther uses
// for its control-message exchange: a named, ordered map of typed,
// multi-valued entries (spec §4.1).
//
// Wire format (big-endian, all lengths unsigned):
//
//	Pack  = u32 entry_count, entry*
//	entry = u32 name_len, name, u32 type_tag, u32 value_count, value*
//	value = by type_tag: 0 Int(u32) 1 Bytes(u32 len+bytes)
//	        2 String(u32 len+utf8) 3 Int64(u64) 4 Bool(u32, nonzero=true)
package pack

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Type identifies the scalar type shared by every value in an Element.
type Type uint32

const (
	TypeInt Type = iota
	TypeBytes
	TypeString
	TypeInt64
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "Int"
	case TypeBytes:
		return "Bytes"
	case TypeString:
		return "String"
	case TypeInt64:
		return "Int64"
	case TypeBool:
		return "Bool"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// Length bounds from spec §4.1.
const (
	MaxNameLen    = 63
	MaxValueCount = 65536
	MaxValueSize  = 1 << 20 // 1 MiB, Bytes/String values
	MaxPackSize   = 8 << 20 // 8 MiB, whole encoded Pack
)

// MalformedPack is returned by Decode on any structural wire violation.
type MalformedPack struct {
	Reason string
	Offset int
}

func (e *MalformedPack) Error() string {
	return fmt.Sprintf("malformed pack at offset %d: %s", e.Offset, e.Reason)
}

func malformed(offset int, format string, args ...interface{}) error {
	return &MalformedPack{Reason: fmt.Sprintf(format, args...), Offset: offset}
}

// Element is one named, typed, multi-valued entry. All Values share Typ;
// an empty Values slice is invalid (rejected on decode, and Encode
// refuses to emit one — see Pack.Add*).
type Element struct {
	Name   string
	Typ    Type
	Values []Value
}

// Value holds exactly one of the five scalar shapes; Typ on the owning
// Element says which field is live.
type Value struct {
	Int    uint32
	Bytes  []byte
	String string
	Int64  uint64
	Bool   bool
}

// Pack is an ordered mapping name -> Element. Order is insertion order
// and is preserved by Encode; Decode rejects duplicate names.
type Pack struct {
	order []string
	byKey map[string]*Element
}

// New returns an empty Pack ready for Add* calls.
func New() *Pack {
	return &Pack{byKey: make(map[string]*Element)}
}

// Elements returns the Pack's entries in insertion order. The returned
// slice is a fresh copy of the headers; callers must not mutate Values
// in place if the Pack will be reused.
func (p *Pack) Elements() []*Element {
	out := make([]*Element, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.byKey[name])
	}
	return out
}

// Get returns the named element, or nil if absent.
func (p *Pack) Get(name string) *Element {
	if p.byKey == nil {
		return nil
	}
	return p.byKey[name]
}

func (p *Pack) add(name string, typ Type, values []Value) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return fmt.Errorf("pack: element name %q length must be 1..%d", name, MaxNameLen)
	}
	if len(values) == 0 {
		return fmt.Errorf("pack: element %q must have at least one value", name)
	}
	if p.byKey == nil {
		p.byKey = make(map[string]*Element)
	}
	if _, exists := p.byKey[name]; !exists {
		p.order = append(p.order, name)
	}
	p.byKey[name] = &Element{Name: name, Typ: typ, Values: values}
	return nil
}

// AddInt sets a single-valued Int element, overwriting any prior value.
func (p *Pack) AddInt(name string, v uint32) error {
	return p.add(name, TypeInt, []Value{{Int: v}})
}

// AddInt64 sets a single-valued Int64 element.
func (p *Pack) AddInt64(name string, v uint64) error {
	return p.add(name, TypeInt64, []Value{{Int64: v}})
}

// AddString sets a single-valued String element. Empty strings are
// allowed.
func (p *Pack) AddString(name string, v string) error {
	return p.add(name, TypeString, []Value{{String: v}})
}

// AddBytes sets a single-valued Bytes element.
func (p *Pack) AddBytes(name string, v []byte) error {
	return p.add(name, TypeBytes, []Value{{Bytes: v}})
}

// AddBool sets a single-valued Bool element.
func (p *Pack) AddBool(name string, v bool) error {
	return p.add(name, TypeBool, []Value{{Bool: v}})
}

// AddStrings sets a multi-valued String element.
func (p *Pack) AddStrings(name string, vs []string) error {
	values := make([]Value, len(vs))
	for i, s := range vs {
		values[i] = Value{String: s}
	}
	return p.add(name, TypeString, values)
}

// GetIntDefault returns the first Int value of name, or def if absent
// or the wrong type.
func (p *Pack) GetIntDefault(name string, def uint32) uint32 {
	e := p.Get(name)
	if e == nil || e.Typ != TypeInt || len(e.Values) == 0 {
		return def
	}
	return e.Values[0].Int
}

// GetStringDefault returns the first String value of name, or def.
func (p *Pack) GetStringDefault(name string, def string) string {
	e := p.Get(name)
	if e == nil || e.Typ != TypeString || len(e.Values) == 0 {
		return def
	}
	return e.Values[0].String
}

// GetBytesDefault returns the first Bytes value of name, or def.
func (p *Pack) GetBytesDefault(name string, def []byte) []byte {
	e := p.Get(name)
	if e == nil || e.Typ != TypeBytes || len(e.Values) == 0 {
		return def
	}
	return e.Values[0].Bytes
}

// Encode serializes p deterministically: same bytes on every call,
// preserving entry and per-entry value order (spec P1/P2).
func Encode(p *Pack) ([]byte, error) {
	elements := p.Elements()

	size := 4
	for _, e := range elements {
		size += 4 + len(e.Name) + 4 + 4
		for _, v := range e.Values {
			switch e.Typ {
			case TypeInt:
				size += 4
			case TypeInt64:
				size += 8
			case TypeBool:
				size += 4
			case TypeString:
				size += 4 + len(v.String)
			case TypeBytes:
				size += 4 + len(v.Bytes)
			default:
				return nil, fmt.Errorf("pack: unknown type %v for element %q", e.Typ, e.Name)
			}
		}
	}
	if size > MaxPackSize {
		return nil, fmt.Errorf("pack: encoded size %d exceeds max %d", size, MaxPackSize)
	}

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(elements)))
	off += 4

	for _, e := range elements {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Name)))
		off += 4
		off += copy(buf[off:], e.Name)
		binary.BigEndian.PutUint32(buf[off:], uint32(e.Typ))
		off += 4
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Values)))
		off += 4

		for _, v := range e.Values {
			switch e.Typ {
			case TypeInt:
				binary.BigEndian.PutUint32(buf[off:], v.Int)
				off += 4
			case TypeInt64:
				binary.BigEndian.PutUint64(buf[off:], v.Int64)
				off += 8
			case TypeBool:
				b := uint32(0)
				if v.Bool {
					b = 1
				}
				binary.BigEndian.PutUint32(buf[off:], b)
				off += 4
			case TypeString:
				binary.BigEndian.PutUint32(buf[off:], uint32(len(v.String)))
				off += 4
				off += copy(buf[off:], v.String)
			case TypeBytes:
				binary.BigEndian.PutUint32(buf[off:], uint32(len(v.Bytes)))
				off += 4
				off += copy(buf[off:], v.Bytes)
			}
		}
	}

	return buf[:off], nil
}

// Decode parses b into a Pack, total: it rejects trailing bytes and
// never allocates beyond the final Pack (spec §4.1).
func Decode(b []byte) (*Pack, error) {
	if len(b) > MaxPackSize {
		return nil, malformed(0, "pack of %d bytes exceeds max %d", len(b), MaxPackSize)
	}

	r := &reader{buf: b}
	count, err := r.u32()
	if err != nil {
		return nil, malformed(r.off, "reading entry_count: %v", err)
	}

	p := New()
	for i := uint32(0); i < count; i++ {
		if err := decodeElement(r, p); err != nil {
			return nil, err
		}
	}

	if r.off != len(b) {
		return nil, malformed(r.off, "%d trailing bytes after decode", len(b)-r.off)
	}
	return p, nil
}

func decodeElement(r *reader, p *Pack) error {
	startOff := r.off
	nameLen, err := r.u32()
	if err != nil {
		return malformed(startOff, "reading name_len: %v", err)
	}
	if nameLen == 0 || nameLen > MaxNameLen {
		return malformed(startOff, "name_len %d out of bounds 1..%d", nameLen, MaxNameLen)
	}
	name, err := r.bytes(int(nameLen))
	if err != nil {
		return malformed(startOff, "reading name: %v", err)
	}
	if _, exists := p.byKey[string(name)]; exists {
		return malformed(startOff, "duplicate element name %q", name)
	}

	typTag, err := r.u32()
	if err != nil {
		return malformed(r.off, "reading type_tag: %v", err)
	}
	typ := Type(typTag)
	if typ > TypeBool {
		return malformed(r.off, "unknown type_tag %d", typTag)
	}

	valueCount, err := r.u32()
	if err != nil {
		return malformed(r.off, "reading value_count: %v", err)
	}
	if valueCount == 0 {
		return malformed(r.off, "element %q has zero values", name)
	}
	if valueCount > MaxValueCount {
		return malformed(r.off, "value_count %d exceeds max %d", valueCount, MaxValueCount)
	}

	values := make([]Value, valueCount)
	for i := uint32(0); i < valueCount; i++ {
		v, err := decodeValue(r, typ)
		if err != nil {
			return err
		}
		values[i] = v
	}

	e := &Element{Name: string(name), Typ: typ, Values: values}
	p.byKey[e.Name] = e
	p.order = append(p.order, e.Name)
	return nil
}

func decodeValue(r *reader, typ Type) (Value, error) {
	off := r.off
	switch typ {
	case TypeInt:
		v, err := r.u32()
		if err != nil {
			return Value{}, malformed(off, "reading Int value: %v", err)
		}
		return Value{Int: v}, nil
	case TypeInt64:
		v, err := r.u64()
		if err != nil {
			return Value{}, malformed(off, "reading Int64 value: %v", err)
		}
		return Value{Int64: v}, nil
	case TypeBool:
		v, err := r.u32()
		if err != nil {
			return Value{}, malformed(off, "reading Bool value: %v", err)
		}
		return Value{Bool: v != 0}, nil
	case TypeBytes:
		n, err := r.u32()
		if err != nil {
			return Value{}, malformed(off, "reading Bytes length: %v", err)
		}
		if n > MaxValueSize {
			return Value{}, malformed(off, "Bytes value length %d exceeds max %d", n, MaxValueSize)
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return Value{}, malformed(off, "reading Bytes value: %v", err)
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return Value{Bytes: cp}, nil
	case TypeString:
		n, err := r.u32()
		if err != nil {
			return Value{}, malformed(off, "reading String length: %v", err)
		}
		if n > MaxValueSize {
			return Value{}, malformed(off, "String value length %d exceeds max %d", n, MaxValueSize)
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return Value{}, malformed(off, "reading String value: %v", err)
		}
		if !utf8.Valid(b) {
			return Value{}, malformed(off, "String value is not valid UTF-8")
		}
		return Value{String: string(b)}, nil
	default:
		return Value{}, malformed(off, "unknown type %v", typ)
	}
}

// reader is a bounds-checked cursor over a decode buffer, in the same
// style as gametunnel/packet.go's offset-tracked Unmarshal.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("buffer overrun reading u32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("buffer overrun reading u64")
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("buffer overrun reading %d bytes", n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
