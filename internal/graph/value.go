package graph

import "strings"

// Path addresses a node in the graph as a sequence of keys.
type Path []string

// P builds a Path from its keys.
func P(keys ...string) Path {
	return Path(keys)
}

// Soul returns the unique node identifier derived from the path.
func (p Path) Soul() string {
	return strings.Join(p, "/")
}

// Child extends the path by one key.
func (p Path) Child(key string) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, key)
}

// Kind tags the two shapes a graph value can take.
type Kind int

const (
	KindLeaf Kind = iota
	KindNodeMap
)

// Value is the tagged variant for graph data: either a scalar leaf
// (string, float64, bool or nil) or a map of named children. A nil leaf is
// the logical deletion tombstone.
type Value struct {
	kind     Kind
	leaf     any
	children map[string]Value
}

// Leaf wraps a scalar. Only string, float64, bool and nil are legal wire
// scalars; integers are widened to float64.
func Leaf(v any) Value {
	switch n := v.(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	}
	return Value{kind: KindLeaf, leaf: v}
}

// Tombstone is the nil-leaf deletion marker.
func Tombstone() Value {
	return Value{kind: KindLeaf, leaf: nil}
}

// NodeMap wraps a map of children.
func NodeMap(children map[string]Value) Value {
	return Value{kind: KindNodeMap, children: children}
}

// Object builds a NodeMap of scalar leaves from a plain map.
func Object(fields map[string]any) Value {
	children := make(map[string]Value, len(fields))
	for k, v := range fields {
		children[k] = Leaf(v)
	}
	return NodeMap(children)
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// IsTombstone reports whether the value is a nil leaf.
func (v Value) IsTombstone() bool {
	return v.kind == KindLeaf && v.leaf == nil
}

// Scalar returns the leaf payload. The second result is false for NodeMap
// values and tombstones.
func (v Value) Scalar() (any, bool) {
	if v.kind != KindLeaf || v.leaf == nil {
		return nil, false
	}
	return v.leaf, true
}

// Children returns the child map for NodeMap values, nil otherwise.
func (v Value) Children() map[string]Value {
	if v.kind != KindNodeMap {
		return nil
	}
	return v.children
}

// String returns the leaf as a string. Empty for anything else.
func (v Value) String() string {
	if s, ok := v.leaf.(string); ok && v.kind == KindLeaf {
		return s
	}
	return ""
}

// Float returns the leaf as a float64, or 0.
func (v Value) Float() float64 {
	if f, ok := v.leaf.(float64); ok && v.kind == KindLeaf {
		return f
	}
	return 0
}

// Field returns the named child of a NodeMap value.
func (v Value) Field(key string) (Value, bool) {
	c, ok := v.children[key]
	return c, ok
}

// FieldString returns the named child's string leaf, or "".
func (v Value) FieldString(key string) string {
	c, ok := v.children[key]
	if !ok {
		return ""
	}
	return c.String()
}

// FieldFloat returns the named child's numeric leaf, or 0.
func (v Value) FieldFloat(key string) float64 {
	c, ok := v.children[key]
	if !ok {
		return 0
	}
	return c.Float()
}
