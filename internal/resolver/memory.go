// Package resolver provides field resolvers and writers for managed objects.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ppiankov/trustflow/internal/store"
)

// ObjectState is the field data of one object as loaded from an objects file.
type ObjectState struct {
	Properties map[string]store.Value                       `json:"properties,omitempty"`
	Attributes map[store.FieldSource]map[string]store.Value `json:"attributes,omitempty"`
	Resource   store.Resource                               `json:"resource"`
	UUID       string                                       `json:"uuid"`
}

// Memory is an in-process object registry. It resolves fields for condition
// evaluation and applies SET_FIELD mutations.
type Memory struct {
	objects map[store.Object]*ObjectState
	mu      sync.RWMutex
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{objects: make(map[store.Object]*ObjectState)}
}

// LoadFile reads a JSON array of ObjectState.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path) //nolint:gosec // user-provided objects file
	if err != nil {
		return nil, fmt.Errorf("opening objects file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return Load(f)
}

// Load decodes a JSON array of ObjectState.
func Load(r io.Reader) (*Memory, error) {
	var states []ObjectState
	if err := json.NewDecoder(r).Decode(&states); err != nil {
		return nil, fmt.Errorf("decoding objects: %w", err)
	}
	m := NewMemory()
	for i := range states {
		s := states[i]
		if !s.Resource.Valid() || s.UUID == "" {
			return nil, fmt.Errorf("object %d: resource and uuid are required", i)
		}
		m.Put(&s)
	}
	return m, nil
}

// Put stores or replaces an object.
func (m *Memory) Put(s *ObjectState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Properties == nil {
		s.Properties = make(map[string]store.Value)
	}
	if s.Attributes == nil {
		s.Attributes = make(map[store.FieldSource]map[string]store.Value)
	}
	m.objects[store.Object{Resource: s.Resource, UUID: s.UUID}] = s
}

// Objects lists every registered object.
func (m *Memory) Objects() []store.Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Object, 0, len(m.objects))
	for o := range m.objects {
		out = append(out, o)
	}
	return out
}

// ResolveProperty implements condition.Resolver.
func (m *Memory) ResolveProperty(_ context.Context, resource store.Resource, objectUUID, identifier string) (store.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.objects[store.Object{Resource: resource, UUID: objectUUID}]
	if !ok {
		return store.Absent(), nil
	}
	return s.Properties[identifier], nil
}

// ResolveAttribute implements condition.Resolver.
func (m *Memory) ResolveAttribute(_ context.Context, resource store.Resource, objectUUID string, source store.FieldSource, identifier string) (store.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.objects[store.Object{Resource: resource, UUID: objectUUID}]
	if !ok {
		return store.Absent(), nil
	}
	return s.Attributes[source][identifier], nil
}

// SetProperty implements action.FieldWriter.
func (m *Memory) SetProperty(_ context.Context, resource store.Resource, objectUUID, identifier string, v store.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(resource, objectUUID)
	if err != nil {
		return err
	}
	s.Properties[identifier] = v
	return nil
}

// SetAttribute implements action.FieldWriter.
func (m *Memory) SetAttribute(_ context.Context, resource store.Resource, objectUUID string, source store.FieldSource, identifier string, v store.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(resource, objectUUID)
	if err != nil {
		return err
	}
	attrs := s.Attributes[source]
	if attrs == nil {
		attrs = make(map[string]store.Value)
		s.Attributes[source] = attrs
	}
	attrs[identifier] = v
	return nil
}

func (m *Memory) lookup(resource store.Resource, objectUUID string) (*ObjectState, error) {
	s, ok := m.objects[store.Object{Resource: resource, UUID: objectUUID}]
	if !ok {
		return nil, fmt.Errorf("object %s/%s is not registered", resource, objectUUID)
	}
	return s, nil
}
