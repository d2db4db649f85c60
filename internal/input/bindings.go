package input

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Binding is one action's keybind, loaded from a YAML file.
type Binding struct {
	// Action names the action and its keybind channel.
	Action string `yaml:"action"`
	// Module is the input script run on activation; defaults to the
	// lowercased action name.
	Module string `yaml:"module"`
	// PC and Xbox are key names understood by KeyMapper.
	PC   string `yaml:"pc"`
	Xbox string `yaml:"xbox"`
	// Cooldown is the minimum time in seconds between forwarded activations.
	Cooldown float64 `yaml:"cooldown"`
	// CreateButton asks touch clients for an on-screen button.
	CreateButton bool `yaml:"create_button"`
}

// CooldownDuration returns Cooldown as a time.Duration.
func (b Binding) CooldownDuration() time.Duration {
	return time.Duration(b.Cooldown * float64(time.Second))
}

// Validate checks b against mapper.
//
// Postcondition: Returns nil if b is usable, otherwise every problem found.
func (b Binding) Validate(mapper KeyMapper) error {
	var errs []error
	if b.Action == "" {
		errs = append(errs, errors.New("action must not be empty"))
	}
	if b.PC == "" && b.Xbox == "" {
		errs = append(errs, errors.New("at least one of pc or xbox must be set"))
	}
	if b.PC != "" {
		if _, err := mapper.Parse(b.PC); err != nil {
			errs = append(errs, fmt.Errorf("pc: %w", err))
		}
	}
	if b.Xbox != "" {
		if _, err := mapper.Parse(b.Xbox); err != nil {
			errs = append(errs, fmt.Errorf("xbox: %w", err))
		}
	}
	if b.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown must be >= 0, got %v", b.Cooldown))
	}
	return errors.Join(errs...)
}

// LoadBindings reads every *.yaml and *.yml file in dir as one Binding.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns bindings sorted by action, or an error naming the
// first invalid file or duplicate action.
func LoadBindings(dir string, mapper KeyMapper) ([]Binding, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading keybinds dir %q: %w", dir, err)
	}

	seen := make(map[string]string)
	var out []Binding
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading keybind %q: %w", path, err)
		}
		var b Binding
		if err := yaml.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("parsing keybind %q: %w", path, err)
		}
		if b.Module == "" {
			b.Module = strings.ToLower(b.Action)
		}
		if err := b.Validate(mapper); err != nil {
			return nil, fmt.Errorf("keybind %q: %w", path, err)
		}
		if prev, dup := seen[b.Action]; dup {
			return nil, fmt.Errorf("keybind %q: action %q already bound in %q", path, b.Action, prev)
		}
		seen[b.Action] = path
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out, nil
}
