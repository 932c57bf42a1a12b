// Package document holds the small value model used for flight records and
// the documents sent to the remote store.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindPairs
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindPairs:
		return "pairs"
	case KindObject:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Pair is one (remark, remark-localized) entry of a counter history.
type Pair struct {
	First  string
	Second string
}

// Value is a closed variant: string, number, bool, null, pair list or object.
// The zero Value is null.
type Value struct {
	kind  Kind
	str   string
	num   float64
	b     bool
	pairs []Pair
	obj   *Map
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// PairList copies pairs into a new pair-list value.
func PairList(pairs ...Pair) Value {
	cp := make([]Pair, len(pairs))
	copy(cp, pairs)
	return Value{kind: KindPairs, pairs: cp}
}

// ObjectOf wraps m. A nil map becomes an empty object.
func ObjectOf(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Str() string { return v.str }

func (v Value) Num() float64 { return v.num }

func (v Value) Boolean() bool { return v.b }

func (v Value) Pairs() []Pair { return v.pairs }

func (v Value) Object() *Map { return v.obj }

// AppendPair returns a pair-list value with p added at the end. Non pair-list
// values are treated as an empty list.
func (v Value) AppendPair(p Pair) Value {
	var existing []Pair
	if v.kind == KindPairs {
		existing = v.pairs
	}
	out := make([]Pair, 0, len(existing)+1)
	out = append(out, existing...)
	out = append(out, p)
	return Value{kind: KindPairs, pairs: out}
}

// IsEmpty reports whether sending v upstream would blank out a field:
// null, whitespace-only strings, empty pair lists and empty objects.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	case KindPairs:
		return len(v.pairs) == 0
	case KindObject:
		return v.obj == nil || v.obj.Len() == 0
	}
	return false
}

// Text renders scalars as plain text, the way the portal delivered them.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	}
	b, _ := v.MarshalJSON()
	return string(b)
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindPairs:
		if len(v.pairs) != len(o.pairs) {
			return false
		}
		for i := range v.pairs {
			if v.pairs[i] != o.pairs[i] {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(o.obj)
	}
	return false
}

// MarshalJSON encodes pair lists as a flat array [first, second, ...].
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindPairs:
		flat := make([]string, 0, len(v.pairs)*2)
		for _, p := range v.pairs {
			flat = append(flat, p.First, p.Second)
		}
		return json.Marshal(flat)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return v.obj.MarshalJSON()
	}
	return nil, fmt.Errorf("document: unknown kind %d", v.kind)
}

// UnmarshalJSON accepts any JSON produced by MarshalJSON. Arrays are read
// back as pair lists; an odd trailing element gets an empty Second.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("document: empty value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("document: only string arrays are supported: %w", err)
		}
		pairs := make([]Pair, 0, (len(items)+1)/2)
		for i := 0; i < len(items); i += 2 {
			p := Pair{First: items[i]}
			if i+1 < len(items) {
				p.Second = items[i+1]
			}
			pairs = append(pairs, p)
		}
		*v = Value{kind: KindPairs, pairs: pairs}
		return nil
	case '{':
		m := NewMap()
		if err := m.UnmarshalJSON(data); err != nil {
			return err
		}
		*v = ObjectOf(m)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Number(f)
	return nil
}
