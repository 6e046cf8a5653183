// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/kianostad/segcompact/internal/storage/blob"
)

// ErrPropertyNotFound is returned by NodeState.Property for unknown names.
var ErrPropertyNotFound = errors.New("segment: property not found")

// ErrChildNotFound is returned by NodeState.Child for unknown names.
var ErrChildNotFound = errors.New("segment: child not found")

// Type is the type of a property value.
type Type uint8

const (
	TypeString Type = iota + 1
	TypeLong
	TypeDouble
	TypeBoolean
	TypeBinary
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeLong:
		return "Long"
	case TypeDouble:
		return "Double"
	case TypeBoolean:
		return "Boolean"
	case TypeBinary:
		return "Binary"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Value is a single typed property value. Binary values carry only the
// external blob ID.
type Value struct {
	Type   Type    `msgpack:"t"`
	Str    string  `msgpack:"s,omitempty"`
	Long   int64   `msgpack:"l,omitempty"`
	Double float64 `msgpack:"d"`
	Bool   bool    `msgpack:"o,omitempty"`
	Blob   blob.ID `msgpack:"x,omitempty"`
}

func StringValue(s string) Value   { return Value{Type: TypeString, Str: s} }
func LongValue(n int64) Value      { return Value{Type: TypeLong, Long: n} }
func DoubleValue(f float64) Value  { return Value{Type: TypeDouble, Double: f} }
func BoolValue(b bool) Value       { return Value{Type: TypeBoolean, Bool: b} }
func BinaryValue(id blob.ID) Value { return Value{Type: TypeBinary, Blob: id} }

// Equal compares values by type and content. Doubles compare bitwise so NaN
// equals itself.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeString:
		return v.Str == o.Str
	case TypeLong:
		return v.Long == o.Long
	case TypeDouble:
		return math.Float64bits(v.Double) == math.Float64bits(o.Double)
	case TypeBoolean:
		return v.Bool == o.Bool
	case TypeBinary:
		return v.Blob == o.Blob
	}
	return false
}

func (v Value) String() string {
	switch v.Type {
	case TypeString:
		return strconv.Quote(v.Str)
	case TypeLong:
		return strconv.FormatInt(v.Long, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case TypeBinary:
		return "blob:" + string(v.Blob)
	}
	return "<invalid>"
}

// Property is a named, single or multi valued property of a node.
type Property struct {
	Name   string
	Array  bool
	Values []Value
}

// Equal reports whether p and o have the same name, arity and values.
func (p Property) Equal(o Property) bool {
	if p.Name != o.Name || p.Array != o.Array || len(p.Values) != len(o.Values) {
		return false
	}
	for i := range p.Values {
		if !p.Values[i].Equal(o.Values[i]) {
			return false
		}
	}
	return true
}

func (p Property) String() string {
	if !p.Array && len(p.Values) == 1 {
		return p.Name + "=" + p.Values[0].String()
	}
	s := p.Name + "=["
	for i, v := range p.Values {
		if i > 0 {
			s += ", "
		}
		s += v.String()
	}
	return s + "]"
}

// NodeState is an immutable view of a tree node. Property and child names are
// returned sorted so iteration is deterministic for a given logical tree.
type NodeState interface {
	// RecordID returns the record backing this node, if it is stored.
	RecordID() (RecordID, bool)
	PropertyNames() []string
	Property(name string) (Property, error)
	ChildNames() []string
	Child(name string) (NodeState, error)
}

// MemNode is an in-memory node tree used to build content before it is
// written. It must not be modified while a compactor is reading it.
//
// A MemNode created by Edit keeps the children of its base as stored subtrees
// until they are modified, so writing it back only rewrites changed paths.
type MemNode struct {
	props    map[string]Property
	children map[string]*MemNode
	stored   map[string]NodeState
}

// NewMemNode creates an empty node.
func NewMemNode() *MemNode {
	return &MemNode{
		props:    make(map[string]Property),
		children: make(map[string]*MemNode),
		stored:   make(map[string]NodeState),
	}
}

// Edit returns a MemNode with the content of ns. Children are materialized
// lazily by Child.
func Edit(ns NodeState) (*MemNode, error) {
	out := NewMemNode()
	for _, name := range ns.PropertyNames() {
		p, err := ns.Property(name)
		if err != nil {
			return nil, err
		}
		p.Values = append([]Value(nil), p.Values...)
		out.props[name] = p
	}
	for _, name := range ns.ChildNames() {
		c, err := ns.Child(name)
		if err != nil {
			return nil, err
		}
		out.stored[name] = c
	}
	return out, nil
}

// Set sets a single-valued property.
func (n *MemNode) Set(name string, v Value) *MemNode {
	n.props[name] = Property{Name: name, Values: []Value{v}}
	return n
}

// SetArray sets a multi-valued property.
func (n *MemNode) SetArray(name string, values ...Value) *MemNode {
	n.props[name] = Property{Name: name, Array: true, Values: append([]Value(nil), values...)}
	return n
}

// Remove deletes a property.
func (n *MemNode) Remove(name string) *MemNode {
	delete(n.props, name)
	return n
}

// Child returns the named child, creating it when missing. A stored child is
// materialized for editing; if it cannot be read, it is replaced by an empty
// node. Use EditChild to observe that error.
func (n *MemNode) Child(name string) *MemNode {
	c, _ := n.EditChild(name)
	return c
}

// EditChild is like Child but reports a failure to read a stored child.
func (n *MemNode) EditChild(name string) (*MemNode, error) {
	if c, ok := n.children[name]; ok {
		return c, nil
	}
	var (
		c   *MemNode
		err error
	)
	if base, ok := n.stored[name]; ok {
		delete(n.stored, name)
		c, err = Edit(base)
	}
	if c == nil {
		c = NewMemNode()
	}
	n.children[name] = c
	return c, err
}

// HasChild reports whether the named child exists.
func (n *MemNode) HasChild(name string) bool {
	_, ok := n.children[name]
	if !ok {
		_, ok = n.stored[name]
	}
	return ok
}

// SetChild replaces the named child.
func (n *MemNode) SetChild(name string, c *MemNode) *MemNode {
	delete(n.stored, name)
	n.children[name] = c
	return n
}

// RemoveChild deletes a child subtree.
func (n *MemNode) RemoveChild(name string) *MemNode {
	delete(n.stored, name)
	delete(n.children, name)
	return n
}

// State returns n as a NodeState.
func (n *MemNode) State() NodeState { return memState{n} }

type memState struct{ n *MemNode }

func (m memState) RecordID() (RecordID, bool) { return RecordID{}, false }

func (m memState) PropertyNames() []string { return sortedKeys(m.n.props) }

func (m memState) Property(name string) (Property, error) {
	p, ok := m.n.props[name]
	if !ok {
		return Property{}, errors.Wrapf(ErrPropertyNotFound, "%q", name)
	}
	return p, nil
}

func (m memState) ChildNames() []string {
	names := sortedKeys(m.n.children)
	if len(m.n.stored) == 0 {
		return names
	}
	names = append(names, sortedKeys(m.n.stored)...)
	sort.Strings(names)
	return names
}

func (m memState) Child(name string) (NodeState, error) {
	if c, ok := m.n.children[name]; ok {
		return memState{c}, nil
	}
	if c, ok := m.n.stored[name]; ok {
		return c, nil
	}
	return nil, errors.Wrapf(ErrChildNotFound, "%q", name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy materializes a node state into a MemNode that can be edited.
func Copy(ns NodeState) (*MemNode, error) {
	out := NewMemNode()
	for _, name := range ns.PropertyNames() {
		p, err := ns.Property(name)
		if err != nil {
			return nil, err
		}
		p.Values = append([]Value(nil), p.Values...)
		out.props[name] = p
	}
	for _, name := range ns.ChildNames() {
		c, err := ns.Child(name)
		if err != nil {
			return nil, err
		}
		mc, err := Copy(c)
		if err != nil {
			return nil, err
		}
		out.children[name] = mc
	}
	return out, nil
}
