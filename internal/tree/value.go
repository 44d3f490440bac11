package tree

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the node types a message document may hold.
// Only String, Int, Bool, Array and Object implement it. There is no null and
// no float: an absent field is an absent key, and numbers are always int64.
type Value interface {
	treeValue()
}

// String is a string leaf.
type String string

func (String) treeValue() {}

// Int is an integer leaf.
type Int int64

func (Int) treeValue() {}

// Bool is a boolean leaf.
type Bool bool

func (Bool) treeValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) treeValue() {}

// Object maps keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) treeValue() {}

// Pair is a key/value pair for building objects.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
func P(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// Obj builds an Object from pairs. Later pairs win on duplicate keys.
func Obj(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Set stores value under key, returning the object for chaining.
func (obj Object) Set(key string, value Value) Object {
	obj[key] = value
	return obj
}

// SetIf stores value under key only when ok is true.
// Used for optional fields that must be absent rather than zero.
func (obj Object) SetIf(ok bool, key string, value Value) Object {
	if ok {
		obj[key] = value
	}
	return obj
}

// Without returns a shallow copy of obj with key removed.
func (obj Object) Without(key string) Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string order compares UTF-8 bytes and differs for
// characters outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
