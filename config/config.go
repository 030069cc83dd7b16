// Package config implements the YAML-backed hierarchical config store
// described in SPEC_FULL.md §11.2, grounded on the original
// tihi::Config/tihi::ConfigVar registry (config.h/.cc), re-expressed with
// Go generics instead of C++ template specialisation, and backed by
// gopkg.in/yaml.v3.
package config

import (
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yrf105/tihi-server/internal/obslog"
)

// Var is a single named, typed configuration value with change
// notification, the original's ConfigVar<T>.
type Var[T any] struct {
	name        string
	description string

	mu        sync.RWMutex
	value     T
	listeners []func(old, new T)
}

// Name returns the dotted configuration key.
func (v *Var[T]) Name() string { return v.name }

// Description returns the human-readable description supplied at Lookup.
func (v *Var[T]) Description() string { return v.description }

// Value returns the current value.
func (v *Var[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// SetValue updates the value and fires the OnChange listeners on every
// call; it does not check whether the new value differs from the old.
func (v *Var[T]) SetValue(newVal T) {
	v.mu.Lock()
	old := v.value
	v.value = newVal
	listeners := append([]func(old, new T){}, v.listeners...)
	v.mu.Unlock()

	for _, l := range listeners {
		l(old, newVal)
	}
}

// OnChange registers a listener invoked on every SetValue call, the
// original's addListener.
func (v *Var[T]) OnChange(f func(old, new T)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, f)
	v.mu.Unlock()
}

// registry is the process-wide name -> Var lookup, untyped because Go
// generics cannot place heterogeneous instantiations of Var[T] in one
// map without boxing through `any`.
var (
	registryMu sync.Mutex
	registry   = map[string]any{}
)

// Lookup returns the Var registered under name, creating it with def and
// description on first use. A second Lookup of the same name with a
// different type T is a configuration-authoring bug and panics, the same
// way the original's Lookup<T> fails a dynamic_pointer_cast.
func Lookup[T any](name string, def T, description string) *Var[T] {
	key := strings.ToLower(name)

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[key]; ok {
		v, ok := existing.(*Var[T])
		if !ok {
			panic("config: " + key + " already registered with a different type")
		}
		return v
	}

	v := &Var[T]{name: key, description: description, value: def}
	registry[key] = v
	return v
}

// LoadFromYAML walks a nested YAML mapping into dotted keys and applies
// matching registered Vars, exactly as the original's
// Config::LoadFromYaml walks a YAML::Node tree.
func LoadFromYAML(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}
	flat := map[string]*yaml.Node{}
	flatten("", root.Content[0], flat)

	registryMu.Lock()
	entries := make(map[string]any, len(registry))
	for k, v := range registry {
		entries[k] = v
	}
	registryMu.Unlock()

	for key, node := range flat {
		v, ok := entries[key]
		if !ok {
			continue
		}
		if err := applyNode(v, node); err != nil {
			obslog.L().Warning().Str("key", key).Log("config: failed to apply value: " + err.Error())
		}
	}
	return nil
}

func flatten(prefix string, node *yaml.Node, out map[string]*yaml.Node) {
	if node.Kind != yaml.MappingNode {
		if prefix != "" {
			out[prefix] = node
		}
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		name := keyNode.Value
		if prefix != "" {
			name = prefix + "." + name
		}
		if valNode.Kind == yaml.MappingNode {
			flatten(name, valNode, out)
		} else {
			out[strings.ToLower(name)] = valNode
		}
	}
}

// applyNode decodes node into v's concrete type via a small closed set of
// type switches, since Go generics cannot decode into *Var[T] without
// knowing T at this call site.
func applyNode(v any, node *yaml.Node) error {
	switch typed := v.(type) {
	case *Var[int64]:
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		typed.SetValue(n)
	case *Var[int]:
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		typed.SetValue(n)
	case *Var[string]:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		typed.SetValue(s)
	case *Var[bool]:
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		typed.SetValue(b)
	case *Var[float64]:
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		typed.SetValue(f)
	}
	return nil
}
