package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Manager routes requests to the providers configured at startup. It is
// built once and passed explicitly to every surface that needs it.
type Manager struct {
	providers   map[string]Provider
	defaultName string
}

// NewManager constructs a manager over the given providers. The first
// provider becomes the default unless SetDefault is called.
func NewManager(providers ...Provider) (*Manager, error) {
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			return nil, fmt.Errorf("runtime: provider with empty name")
		}
		if _, dup := m.providers[name]; dup {
			return nil, fmt.Errorf("runtime: provider %q registered twice", name)
		}
		m.providers[name] = p
		if m.defaultName == "" {
			m.defaultName = name
		}
	}
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("runtime: no providers configured")
	}
	return m, nil
}

// SetDefault selects the provider used when a request names none.
func (m *Manager) SetDefault(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("runtime: provider %q not registered", name)
	}
	m.defaultName = name
	return nil
}

// Default returns the default provider name.
func (m *Manager) Default() string { return m.defaultName }

// Provider looks up a provider by name; an empty name selects the default.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil {
		return nil, fmt.Errorf("runtime: no providers configured")
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = m.defaultName
	}
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("runtime: provider %q not registered", name)
	}
	return p, nil
}

// Names lists registered provider names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run forwards a run request to the named provider.
func (m *Manager) Run(ctx context.Context, provider string, req RunRequest, sink Sink) error {
	p, err := m.Provider(provider)
	if err != nil {
		return err
	}
	return p.Run(ctx, req, sink)
}

// Close frees provider resources for providers that hold any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, p := range m.providers {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
