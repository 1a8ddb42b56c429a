package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrToolMissing = errors.New("required tool not found")

// Tool is an external binary the pipeline shells out to.
type Tool interface {
	Name() string
	BinaryPath() string
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Check resolves every registered binary with lookPath (normally
// exec.LookPath) and names all the ones that cannot be found.
func (r *Registry) Check(lookPath func(string) (string, error)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, name := range r.order {
		bin := r.tools[name].BinaryPath()
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, bin))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrToolMissing, strings.Join(missing, ", "))
	}
	return nil
}
