package playerdata

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// vectorTag marks a three-number YAML sequence as a Vector3, e.g.
// `spawn: !vector3 [0, 5, 0]`.
const vectorTag = "!vector3"

// Defaults is the starting state given to every new player.
type Defaults struct {
	// Instances is replicated to the owning peer on join.
	Instances *Node
	// Data is authority-only persistent state.
	Data *Node
}

// Profile combines a copy of both trees into one folder for storage.
func (d Defaults) Profile(player string) *Node {
	root := Folder(player)
	root.Put(renamed(d.Instances, "instances"))
	root.Put(renamed(d.Data, "data"))
	return root
}

func renamed(n *Node, name string) *Node {
	c := n.Clone()
	c.Name = name
	return c
}

// LoadDefaults reads the default data file at path.
//
// Precondition: path must name a YAML file with `instances` and `data` mappings.
// Postcondition: Returns the parsed defaults or a non-nil error.
func LoadDefaults(path string) (Defaults, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("reading default data %s: %w", path, err)
	}
	d, err := ParseDefaults(raw)
	if err != nil {
		return Defaults{}, fmt.Errorf("parsing default data %s: %w", path, err)
	}
	return d, nil
}

// ParseDefaults parses default data YAML.
func ParseDefaults(raw []byte) (Defaults, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Defaults{}, err
	}
	if len(doc.Content) == 0 {
		return Defaults{}, fmt.Errorf("empty document")
	}
	root, err := yamlNode("root", doc.Content[0], "")
	if err != nil {
		return Defaults{}, err
	}
	if root.Kind != KindFolder {
		return Defaults{}, fmt.Errorf("top level must be a mapping")
	}

	d := Defaults{Instances: Folder("instances"), Data: Folder("data")}
	if n, ok := root.Child("instances"); ok {
		if n.Kind != KindFolder {
			return Defaults{}, fmt.Errorf("instances must be a mapping")
		}
		d.Instances = n
	}
	if n, ok := root.Child("data"); ok {
		if n.Kind != KindFolder {
			return Defaults{}, fmt.Errorf("data must be a mapping")
		}
		d.Data = n
	}
	return d, nil
}

func yamlNode(name string, y *yaml.Node, path string) (*Node, error) {
	switch y.Kind {
	case yaml.MappingNode:
		folder := Folder(name)
		for i := 0; i+1 < len(y.Content); i += 2 {
			key := y.Content[i].Value
			child, err := yamlNode(key, y.Content[i+1], path+"/"+key)
			if err != nil {
				return nil, err
			}
			folder.Put(child)
		}
		return folder, nil
	case yaml.ScalarNode:
		return yamlScalar(name, y, path)
	case yaml.SequenceNode:
		if y.Tag != vectorTag || len(y.Content) != 3 {
			return nil, fmt.Errorf("%s: sequence at line %d: %w", path, y.Line, ErrUnsupportedValue)
		}
		var xyz [3]float64
		for i, c := range y.Content {
			f, err := strconv.ParseFloat(c.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: vector component %d: %w", path, i, err)
			}
			xyz[i] = f
		}
		return &Node{Name: name, Kind: KindVector3, Vector: Vector3{X: xyz[0], Y: xyz[1], Z: xyz[2]}}, nil
	default:
		return nil, fmt.Errorf("%s: yaml node kind %d at line %d: %w", path, y.Kind, y.Line, ErrUnsupportedValue)
	}
}

func yamlScalar(name string, y *yaml.Node, path string) (*Node, error) {
	switch y.ShortTag() {
	case "!!bool":
		var b bool
		if err := y.Decode(&b); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &Node{Name: name, Kind: KindBool, Bool: b}, nil
	case "!!int", "!!float":
		var f float64
		if err := y.Decode(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &Node{Name: name, Kind: KindNumber, Number: f}, nil
	case "!!str":
		return &Node{Name: name, Kind: KindString, Text: y.Value}, nil
	default:
		return nil, fmt.Errorf("%s: %s at line %d: %w", path, y.ShortTag(), y.Line, ErrUnsupportedValue)
	}
}
