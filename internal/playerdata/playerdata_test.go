package playerdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const defaultYAML = `
instances:
  Isloded: true
  CanUseAbilities: true
  EquipedAbilities:
    Melee: Box
    Ranged: Brick
    Evade: Zoom
  Spawn: !vector3 [0, 5.5, -2]
data:
  Wins: 0
`

func TestParseDefaults(t *testing.T) {
	d, err := ParseDefaults([]byte(defaultYAML))
	require.NoError(t, err)

	melee, ok := d.Instances.Lookup("EquipedAbilities/Melee")
	require.True(t, ok)
	assert.Equal(t, KindString, melee.Kind)
	assert.Equal(t, "Box", melee.Text)

	spawn, ok := d.Instances.Lookup("Spawn")
	require.True(t, ok)
	assert.Equal(t, Vector3{X: 0, Y: 5.5, Z: -2}, spawn.Vector)

	wins, ok := d.Data.Lookup("Wins")
	require.True(t, ok)
	assert.Equal(t, KindNumber, wins.Kind)
	assert.Zero(t, wins.Number)
}

func TestParseDefaults_Unsupported(t *testing.T) {
	cases := map[string]string{
		"plain list": "instances:\n  Items: [1, 2]\n",
		"null":       "instances:\n  Empty: ~\n",
		"short vec":  "instances:\n  V: !vector3 [1, 2]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefaults([]byte(doc))
			assert.ErrorIs(t, err, ErrUnsupportedValue)
		})
	}
}

func TestLoadDefaults_ShippedFile(t *testing.T) {
	d, err := LoadDefaults(filepath.Join("..", "..", "content", "playerdata", "default.yaml"))
	require.NoError(t, err)
	evade, ok := d.Instances.Lookup("EquipedAbilities/Evade")
	require.True(t, ok)
	assert.Equal(t, "Zoom", evade.Text)
}

func TestLoadDefaults_MissingFile(t *testing.T) {
	_, err := LoadDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadDefaults_EmptySections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instances: {}\n"), 0644))
	d, err := LoadDefaults(path)
	require.NoError(t, err)
	assert.Empty(t, d.Instances.Children)
	assert.Equal(t, KindFolder, d.Data.Kind)
}

func TestMaterialize(t *testing.T) {
	n, err := Materialize("player", map[string]any{
		"Level": 3,
		"Name":  "ace",
		"Flags": map[string]any{"Muted": false},
		"Pos":   Vector3{X: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Flags", "Level", "Name", "Pos"}, childNames(n))

	_, err = Materialize("player", map[string]any{"Bad": map[string]any{"ch": make(chan int)}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	assert.ErrorContains(t, err, "player/Bad/ch")
}

func TestMerge(t *testing.T) {
	base, err := Materialize("p", map[string]any{
		"Wins":   0.0,
		"Title":  "rookie",
		"Nested": map[string]any{"A": true, "B": 1.0},
	})
	require.NoError(t, err)
	stored, err := Materialize("p", map[string]any{
		"Wins":   7.0,
		"Title":  12.0,
		"Extra":  "kept",
		"Nested": map[string]any{"B": 2.0},
	})
	require.NoError(t, err)

	merged := Merge(base, stored)
	assert.Equal(t, map[string]any{
		"Wins":   7.0,
		"Title":  "rookie",
		"Extra":  "kept",
		"Nested": map[string]any{"A": true, "B": 2.0},
	}, merged.Interface())

	wins, _ := base.Lookup("Wins")
	assert.Zero(t, wins.Number, "merge must not mutate base")
}

func TestProfile(t *testing.T) {
	d, err := ParseDefaults([]byte(defaultYAML))
	require.NoError(t, err)
	p := d.Profile("alice")
	assert.Equal(t, "alice", p.Name)
	_, ok := p.Lookup("instances/EquipedAbilities/Ranged")
	assert.True(t, ok)
	_, ok = p.Lookup("data/Wins")
	assert.True(t, ok)
	assert.Equal(t, "instances", p.Children[1].Name)
}

func TestValueRoundTrip(t *testing.T) {
	d, err := ParseDefaults([]byte(defaultYAML))
	require.NoError(t, err)
	profile := d.Profile("alice")

	back, err := FromValue("alice", profile.ToValue())
	require.NoError(t, err)
	assert.Equal(t, profile.Interface(), back.Interface())

	raw, err := profile.MarshalJSON()
	require.NoError(t, err)
	decoded, err := UnmarshalNode("alice", raw)
	require.NoError(t, err)
	assert.Equal(t, profile.Interface(), decoded.Interface())
}

func TestPropertyFlatRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[A-Za-z]{1,8}`), 0, 8, rapid.ID[string]).Draw(t, "keys")
		data := make(map[string]any, len(keys))
		for i, k := range keys {
			switch i % 3 {
			case 0:
				data[k] = rapid.Float64Range(-1e6, 1e6).Draw(t, k)
			case 1:
				data[k] = rapid.Bool().Draw(t, k)
			default:
				data[k] = rapid.String().Draw(t, k)
			}
		}
		n, err := Materialize("r", data)
		if err != nil {
			t.Fatalf("materialize: %v", err)
		}
		back, err := FromValue("r", n.ToValue())
		if err != nil {
			t.Fatalf("from value: %v", err)
		}
		got := back.Interface().(map[string]any)
		if len(got) != len(data) {
			t.Fatalf("want %d keys, got %d", len(data), len(got))
		}
		for k, v := range data {
			if got[k] != v {
				t.Fatalf("key %s: want %v, got %v", k, v, got[k])
			}
		}
	})
}

func childNames(n *Node) []string {
	out := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c.Name)
	}
	return out
}
