package scxml

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNone ValueKind = iota // unset; distinct from Null
	KindNull
	KindError
	KindBoolean
	KindInteger
	KindDouble
	KindString
	KindArray
	KindMap
	KindSource
)

func (k ValueKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNull:
		return "null"
	case KindError:
		return "error"
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindSource:
		return "source"
	}
	return "unknown"
}

// ArrayValue is the shared backing store of an Array. Values holding the
// same ArrayValue alias it, so element assignment is visible everywhere.
type ArrayValue struct {
	Items []Value
}

// MapValue is an insertion-ordered mapping from string keys to values.
// Like ArrayValue it has reference semantics.
type MapValue struct {
	keys  []string
	items map[string]Value
}

// NewMapValue returns an empty ordered map.
func NewMapValue() *MapValue {
	return &MapValue{items: make(map[string]Value)}
}

// Set stores v under key, keeping first-insertion order.
func (m *MapValue) Set(key string, v Value) {
	if _, ok := m.items[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.items[key] = v
}

// Get returns the value stored under key.
func (m *MapValue) Get(key string) (Value, bool) {
	v, ok := m.items[key]
	return v, ok
}

// Delete removes key if present.
func (m *MapValue) Delete(key string) {
	if _, ok := m.items[key]; !ok {
		return
	}
	delete(m.items, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *MapValue) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *MapValue) Len() int { return len(m.items) }

// SourceValue is an opaque reference to an unparsed content blob together
// with its MIME/type hint.
type SourceValue struct {
	Content  string
	TypeHint string
}

// Value is the tagged-variant runtime value of the expression data model.
// Scalars have value semantics; Array and Map are references to shared
// backing stores. Strings are Go strings (UTF-8); length operations count
// Unicode scalar characters, not bytes.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	d    float64
	s    string // String payload, or Error message
	arr  *ArrayValue
	m    *MapValue
	src  *SourceValue
}

// None is the zero Value: the distinguished "unset" variant.
var None = Value{kind: KindNone}

// Null is the explicit null value.
var Null = Value{kind: KindNull}

func NewBool(b bool) Value        { return Value{kind: KindBoolean, b: b} }
func NewInt(i int64) Value        { return Value{kind: KindInteger, i: i} }
func NewDouble(d float64) Value   { return Value{kind: KindDouble, d: d} }
func NewString(s string) Value    { return Value{kind: KindString, s: s} }
func NewError(msg string) Value   { return Value{kind: KindError, s: msg} }
func NewErrorf(format string, args ...any) Value {
	return Value{kind: KindError, s: fmt.Sprintf(format, args...)}
}

// NewArray wraps the given elements into a fresh Array value.
func NewArray(items ...Value) Value {
	return Value{kind: KindArray, arr: &ArrayValue{Items: items}}
}

// NewMap wraps an ordered map; a nil argument allocates an empty one.
func NewMap(m *MapValue) Value {
	if m == nil {
		m = NewMapValue()
	}
	return Value{kind: KindMap, m: m}
}

// NewSource wraps an unparsed content blob.
func NewSource(content, typeHint string) Value {
	return Value{kind: KindSource, src: &SourceValue{Content: content, TypeHint: typeHint}}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNone() bool    { return v.kind == KindNone }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsError() bool   { return v.kind == KindError }
func (v Value) IsNumeric() bool { return v.kind == KindInteger || v.kind == KindDouble }

// Bool returns the boolean payload; false if not a Boolean.
func (v Value) Bool() bool { return v.kind == KindBoolean && v.b }

// Int returns the integer payload, truncating a Double.
func (v Value) Int() int64 {
	if v.kind == KindDouble {
		return int64(v.d)
	}
	return v.i
}

// Float returns the numeric payload as float64.
func (v Value) Float() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.d
}

// Str returns the string payload, or the message of an Error.
func (v Value) Str() string { return v.s }

// Array returns the shared backing store of an Array value, nil otherwise.
func (v Value) Array() *ArrayValue { return v.arr }

// Map returns the shared backing store of a Map value, nil otherwise.
func (v Value) Map() *MapValue { return v.m }

// Source returns the source payload, nil otherwise.
func (v Value) Source() *SourceValue { return v.src }

// Truthy applies the coercion rule used by logical not and non-boolean
// conditions: Boolean is itself, numerics are true when non-zero, strings,
// arrays and maps are true when non-empty. None, Null and Error are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindInteger:
		return v.i != 0
	case KindDouble:
		return v.d != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.arr.Items) > 0
	case KindMap:
		return v.m.Len() > 0
	case KindSource:
		return v.src.Content != ""
	default:
		return false
	}
}

// Equal implements the model's equality: strict on tag, except that
// Integer and Double compare numerically. Arrays and maps compare deep.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		if v.kind == KindInteger && o.kind == KindInteger {
			return v.i == o.i
		}
		return v.Float() == o.Float()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone, KindNull:
		return true
	case KindError:
		return v.s == o.s
	case KindBoolean:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr.Items) != len(o.arr.Items) {
			return false
		}
		for i := range v.arr.Items {
			if !v.arr.Items[i].Equal(o.arr.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if v.m.Len() != o.m.Len() {
			return false
		}
		for _, k := range v.m.keys {
			ov, ok := o.m.Get(k)
			if !ok {
				return false
			}
			mv, _ := v.m.Get(k)
			if !mv.Equal(ov) {
				return false
			}
		}
		return true
	case KindSource:
		return v.src.Content == o.src.Content && v.src.TypeHint == o.src.TypeHint
	}
	return false
}

// Compare orders two values. Ordering is defined only between numerics and
// between strings (lexicographic); anything else is an error.
func (v Value) Compare(o Value) (int, error) {
	if v.IsNumeric() && o.IsNumeric() {
		a, b := v.Float(), o.Float()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if v.kind == KindString && o.kind == KindString {
		return strings.Compare(v.s, o.s), nil
	}
	return 0, fmt.Errorf("values of kind %s and %s are not ordered", v.kind, o.kind)
}

// Add implements `+`: Array concatenation, Map merge (right wins),
// String concatenation when both are strings, numeric addition otherwise.
func (v Value) Add(o Value) Value {
	switch {
	case v.kind == KindArray && o.kind == KindArray:
		items := make([]Value, 0, len(v.arr.Items)+len(o.arr.Items))
		items = append(items, v.arr.Items...)
		items = append(items, o.arr.Items...)
		return NewArray(items...)
	case v.kind == KindMap && o.kind == KindMap:
		m := NewMapValue()
		for _, k := range v.m.keys {
			mv, _ := v.m.Get(k)
			m.Set(k, mv)
		}
		for _, k := range o.m.keys {
			ov, _ := o.m.Get(k)
			m.Set(k, ov)
		}
		return NewMap(m)
	case v.kind == KindString && o.kind == KindString:
		return NewString(v.s + o.s)
	default:
		return v.arith(o, "+")
	}
}

// Sub, Mul and Div implement the remaining arithmetic operators with the
// numeric promotion rule: any Double operand promotes the result to Double.
func (v Value) Sub(o Value) Value { return v.arith(o, "-") }
func (v Value) Mul(o Value) Value { return v.arith(o, "*") }

// Div always yields a Double; a zero divisor is an Error.
func (v Value) Div(o Value) Value {
	if !v.IsNumeric() || !o.IsNumeric() {
		return NewErrorf("operator / undefined for %s and %s", v.kind, o.kind)
	}
	if o.Float() == 0 {
		return NewError("division by zero")
	}
	return NewDouble(v.Float() / o.Float())
}

// Mod implements `%` on numerics; zero divisor is an Error.
func (v Value) Mod(o Value) Value {
	if !v.IsNumeric() || !o.IsNumeric() {
		return NewErrorf("operator %% undefined for %s and %s", v.kind, o.kind)
	}
	if o.Float() == 0 {
		return NewError("modulo by zero")
	}
	if v.kind == KindInteger && o.kind == KindInteger {
		return NewInt(v.i % o.i)
	}
	return NewDouble(math.Mod(v.Float(), o.Float()))
}

func (v Value) arith(o Value, op string) Value {
	if !v.IsNumeric() || !o.IsNumeric() {
		return NewErrorf("operator %s undefined for %s and %s", op, v.kind, o.kind)
	}
	if v.kind == KindInteger && o.kind == KindInteger {
		switch op {
		case "+":
			return NewInt(v.i + o.i)
		case "-":
			return NewInt(v.i - o.i)
		case "*":
			return NewInt(v.i * o.i)
		}
	}
	a, b := v.Float(), o.Float()
	switch op {
	case "+":
		return NewDouble(a + b)
	case "-":
		return NewDouble(a - b)
	case "*":
		return NewDouble(a * b)
	}
	return NewErrorf("unknown operator %s", op)
}

// Length returns the length of a string (scalar characters), array or map.
func (v Value) Length() (int64, error) {
	switch v.kind {
	case KindString:
		return int64(utf8.RuneCountInString(v.s)), nil
	case KindArray:
		return int64(len(v.arr.Items)), nil
	case KindMap:
		return int64(v.m.Len()), nil
	default:
		return 0, fmt.Errorf("length undefined for %s", v.kind)
	}
}

// String renders the value in the expression literal grammar, so that any
// literal-expressible value parses back to an equal value.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "none"
	case KindNull:
		return "null"
	case KindError:
		return fmt.Sprintf("error(%s)", strconv.Quote(v.s))
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		s := strconv.FormatFloat(v.d, 'g', -1, 64)
		// Keep the literal recognizable as a Double on re-parse.
		if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && s != "NaN" {
			s += ".0"
		}
		return s
	case KindString:
		// JSON escapes are the ones the expression lexer reads back.
		q, _ := json.Marshal(v.s)
		return string(q)
	case KindArray:
		var b strings.Builder
		b.WriteByte('[')
		for i, it := range v.arr.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(it.String())
		}
		b.WriteByte(']')
		return b.String()
	case KindMap:
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range v.m.keys {
			if i > 0 {
				b.WriteString(", ")
			}
			q, _ := json.Marshal(k)
			b.Write(q)
			b.WriteString(": ")
			mv, _ := v.m.Get(k)
			b.WriteString(mv.String())
		}
		b.WriteByte('}')
		return b.String()
	case KindSource:
		return fmt.Sprintf("source(%s)", strconv.Quote(v.src.TypeHint))
	}
	return "unknown"
}
