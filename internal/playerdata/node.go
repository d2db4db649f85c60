// Package playerdata models per-player replicated state as a tree of typed
// values grouped into folders.
package playerdata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedValue is returned when a leaf value has no node representation.
var ErrUnsupportedValue = errors.New("unsupported value type")

// Kind is the type of a Node.
type Kind int

const (
	// KindFolder groups child nodes.
	KindFolder Kind = iota + 1
	// KindBool holds a bool.
	KindBool
	// KindNumber holds a float64.
	KindNumber
	// KindString holds a string.
	KindString
	// KindVector3 holds a Vector3.
	KindVector3
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindVector3:
		return "vector3"
	default:
		return "unknown"
	}
}

// Vector3 is a point or direction in world space.
type Vector3 struct {
	X, Y, Z float64
}

// Node is one named value or folder. Folder children are kept sorted by name.
type Node struct {
	Name     string
	Kind     Kind
	Bool     bool
	Number   float64
	Text     string
	Vector   Vector3
	Children []*Node
}

// Folder creates an empty folder node.
func Folder(name string) *Node { return &Node{Name: name, Kind: KindFolder} }

// Materialize builds a folder named name from data. Nested maps become
// folders; bool, numeric, string and Vector3 values become leaves.
//
// Postcondition: Returns the folder, or an error wrapping ErrUnsupportedValue
// naming the path of the first unsupported value.
func Materialize(name string, data map[string]any) (*Node, error) {
	root := Folder(name)
	if err := fill(root, data, name); err != nil {
		return nil, err
	}
	return root, nil
}

func fill(parent *Node, data map[string]any, path string) error {
	for key, value := range data {
		child, err := valueNode(key, value, path+"/"+key)
		if err != nil {
			return err
		}
		parent.Children = append(parent.Children, child)
	}
	parent.sortChildren()
	return nil
}

func valueNode(name string, value any, path string) (*Node, error) {
	switch v := value.(type) {
	case map[string]any:
		folder := Folder(name)
		if err := fill(folder, v, path); err != nil {
			return nil, err
		}
		return folder, nil
	case bool:
		return &Node{Name: name, Kind: KindBool, Bool: v}, nil
	case string:
		return &Node{Name: name, Kind: KindString, Text: v}, nil
	case Vector3:
		return &Node{Name: name, Kind: KindVector3, Vector: v}, nil
	case float64:
		return &Node{Name: name, Kind: KindNumber, Number: v}, nil
	case float32:
		return &Node{Name: name, Kind: KindNumber, Number: float64(v)}, nil
	case int:
		return &Node{Name: name, Kind: KindNumber, Number: float64(v)}, nil
	case int64:
		return &Node{Name: name, Kind: KindNumber, Number: float64(v)}, nil
	case int32:
		return &Node{Name: name, Kind: KindNumber, Number: float64(v)}, nil
	default:
		return nil, fmt.Errorf("%s: %T: %w", path, value, ErrUnsupportedValue)
	}
}

func (n *Node) sortChildren() {
	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Name < n.Children[j].Name })
}

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Lookup resolves a slash-separated path below n, e.g. "EquipedAbilities/Melee".
func (n *Node) Lookup(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Put inserts or replaces the direct child with the same name.
//
// Precondition: n must be a folder.
func (n *Node) Put(child *Node) {
	for i, c := range n.Children {
		if c.Name == child.Name {
			n.Children[i] = child
			return
		}
	}
	n.Children = append(n.Children, child)
	n.sortChildren()
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	out := *n
	out.Children = nil
	for _, c := range n.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return &out
}

// Merge returns a copy of base overlaid with override. Leaves in override
// replace leaves of the same name and kind; folders merge recursively; entries
// only present in override are kept. A kind mismatch keeps the base entry so a
// stale stored row cannot change a field's type.
func Merge(base, override *Node) *Node {
	out := base.Clone()
	if override == nil || base.Kind != KindFolder || override.Kind != KindFolder {
		return out
	}
	for _, oc := range override.Children {
		bc, ok := out.Child(oc.Name)
		switch {
		case !ok:
			out.Put(oc.Clone())
		case bc.Kind == KindFolder && oc.Kind == KindFolder:
			out.Put(Merge(bc, oc))
		case bc.Kind == oc.Kind:
			out.Put(oc.Clone())
		}
	}
	return out
}

// Interface converts n to plain Go values: map[string]any for folders and
// bool, float64, string or Vector3 for leaves.
func (n *Node) Interface() any {
	switch n.Kind {
	case KindFolder:
		m := make(map[string]any, len(n.Children))
		for _, c := range n.Children {
			m[c.Name] = c.Interface()
		}
		return m
	case KindBool:
		return n.Bool
	case KindNumber:
		return n.Number
	case KindString:
		return n.Text
	case KindVector3:
		return n.Vector
	default:
		return nil
	}
}
