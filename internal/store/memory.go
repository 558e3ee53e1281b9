package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Memory is an in-process backend for dev and tests, mirroring the role the
// in-memory queue plays next to the Redis one.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string][]byte
	listeners map[string]map[int]func(data []byte)
	nextSub   int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[string][]byte),
		listeners: make(map[string]map[int]func(data []byte)),
	}
}

func (m *Memory) ReadAt(_ context.Context, path string, out any) (bool, error) {
	m.mu.RLock()
	data, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (m *Memory) WriteIfAbsent(_ context.Context, path string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	if _, exists := m.docs[path]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.docs[path] = data
	m.mu.Unlock()
	m.notify(path, data)
	return true, nil
}

func (m *Memory) Write(_ context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[path] = data
	m.mu.Unlock()
	m.notify(path, data)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.docs, path)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for p := range m.docs {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (m *Memory) Subscribe(_ context.Context, path string, fn func(data []byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[path] == nil {
		m.listeners[path] = make(map[int]func(data []byte))
	}
	id := m.nextSub
	m.nextSub++
	m.listeners[path][id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners[path], id)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) notify(path string, data []byte) {
	m.mu.RLock()
	fns := make([]func(data []byte), 0, len(m.listeners[path]))
	for _, fn := range m.listeners[path] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(data)
	}
}
