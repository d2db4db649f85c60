package bus

import "fmt"

// Guard restricts a namespaced session to a fixed set of command names.
// The zero Guard allows every command.
type Guard struct {
	namespace string
	allowed   map[string]struct{}
}

// NewGuard captures the allow-list for namespace.
//
// Precondition: allowed must contain at least one non-empty name when namespace is non-empty.
// Postcondition: Returns an active Guard, the zero Guard when namespace is empty,
// or ErrInvalidNamespaceConfig.
func NewGuard(namespace string, allowed []string) (Guard, error) {
	if namespace == "" {
		return Guard{}, nil
	}
	if len(allowed) == 0 {
		return Guard{}, fmt.Errorf("namespace %q: %w", namespace, ErrInvalidNamespaceConfig)
	}
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		if name == "" {
			return Guard{}, fmt.Errorf("namespace %q: %w", namespace, ErrEmptyCommand)
		}
		set[name] = struct{}{}
	}
	return Guard{namespace: namespace, allowed: set}, nil
}

// Active reports whether the guard restricts commands.
func (g Guard) Active() bool { return g.allowed != nil }

// Namespace returns the guarded namespace, or "" for the zero Guard.
func (g Guard) Namespace() string { return g.namespace }

// Check returns nil if command may be used, or a *NamespaceViolationError.
func (g Guard) Check(command string) error {
	if !g.Active() {
		return nil
	}
	if _, ok := g.allowed[command]; !ok {
		return &NamespaceViolationError{Command: command, Namespace: g.namespace}
	}
	return nil
}

// Allowed returns a copy of the allow-list in no particular order.
func (g Guard) Allowed() []string {
	out := make([]string, 0, len(g.allowed))
	for name := range g.allowed {
		out = append(out, name)
	}
	return out
}
