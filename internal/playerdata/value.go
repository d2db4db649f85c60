package playerdata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToValue renders n as a structpb.Value for replication. Folders become structs
// and vectors become three-element number lists.
func (n *Node) ToValue() *structpb.Value {
	switch n.Kind {
	case KindFolder:
		fields := make(map[string]*structpb.Value, len(n.Children))
		for _, c := range n.Children {
			fields[c.Name] = c.ToValue()
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	case KindBool:
		return structpb.NewBoolValue(n.Bool)
	case KindNumber:
		return structpb.NewNumberValue(n.Number)
	case KindString:
		return structpb.NewStringValue(n.Text)
	case KindVector3:
		return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewNumberValue(n.Vector.X),
			structpb.NewNumberValue(n.Vector.Y),
			structpb.NewNumberValue(n.Vector.Z),
		}})
	default:
		return structpb.NewNullValue()
	}
}

// FromValue rebuilds a node called name from a value produced by ToValue.
//
// Postcondition: Returns the node, or an error wrapping ErrUnsupportedValue for
// nulls and lists that are not three numbers.
func FromValue(name string, v *structpb.Value) (*Node, error) {
	return fromValue(name, v, name)
}

func fromValue(name string, v *structpb.Value, path string) (*Node, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		folder := Folder(name)
		for key, child := range k.StructValue.GetFields() {
			n, err := fromValue(key, child, path+"/"+key)
			if err != nil {
				return nil, err
			}
			folder.Children = append(folder.Children, n)
		}
		folder.sortChildren()
		return folder, nil
	case *structpb.Value_BoolValue:
		return &Node{Name: name, Kind: KindBool, Bool: k.BoolValue}, nil
	case *structpb.Value_NumberValue:
		return &Node{Name: name, Kind: KindNumber, Number: k.NumberValue}, nil
	case *structpb.Value_StringValue:
		return &Node{Name: name, Kind: KindString, Text: k.StringValue}, nil
	case *structpb.Value_ListValue:
		vec, ok := vectorOf(k.ListValue)
		if !ok {
			return nil, fmt.Errorf("%s: list is not a vector3: %w", path, ErrUnsupportedValue)
		}
		return &Node{Name: name, Kind: KindVector3, Vector: vec}, nil
	default:
		return nil, fmt.Errorf("%s: %T: %w", path, v.GetKind(), ErrUnsupportedValue)
	}
}

func vectorOf(lv *structpb.ListValue) (Vector3, bool) {
	vals := lv.GetValues()
	if len(vals) != 3 {
		return Vector3{}, false
	}
	var xyz [3]float64
	for i, v := range vals {
		num, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return Vector3{}, false
		}
		xyz[i] = num.NumberValue
	}
	return Vector3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, true
}

// MarshalJSON encodes n in its replicated form.
func (n *Node) MarshalJSON() ([]byte, error) {
	return protojson.Marshal(n.ToValue())
}

// UnmarshalNode decodes JSON written by MarshalJSON into a node called name.
func UnmarshalNode(name string, data []byte) (*Node, error) {
	var v structpb.Value
	if err := protojson.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return FromValue(name, &v)
}
