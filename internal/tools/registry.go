package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatsync/internal/chat"
)

// Registry 工具注册表；allowed 为当前模式允许的工具
// Registry holds the tools; allowed is the set the current mode permits
type Registry struct {
	tools map[string]Tool

	mu      sync.RWMutex
	allowed map[string]bool
}

func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &Registry{tools: m}
}

// SetAllowed restricts the visible tools. Names missing from allowed stay
// enabled; a nil map enables everything.
func (r *Registry) SetAllowed(allowed map[string]bool) {
	cp := make(map[string]bool, len(allowed))
	for k, v := range allowed {
		cp[k] = v
	}
	r.mu.Lock()
	r.allowed = cp
	r.mu.Unlock()
}

func (r *Registry) enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	on, ok := r.allowed[name]
	return !ok || on
}

// Definitions lists the enabled tools sorted by name.
func (r *Registry) Definitions() []chat.ToolDef {
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		if !r.enabled(name) {
			continue
		}
		out = append(out, r.tools[name].Definition())
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Execute runs name with the JSON arguments in input.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown tool: %s", chat.ErrValidation, name)
	}
	if !r.enabled(name) {
		return "", fmt.Errorf("%w: tool %s is disabled in this mode", chat.ErrValidation, name)
	}
	args := strings.TrimSpace(input)
	if args == "" {
		args = "{}"
	}
	return t.Execute(ctx, json.RawMessage(args))
}
