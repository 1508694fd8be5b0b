package com

import (
	"errors"
	"sync"
)

// Map defines a concurrent-safe map structure.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.Mutex
}

var ErrNotFound = errors.New("not found")

func NewMap[K comparable, V any]() *Map[K, V] { return &Map[K, V]{m: make(map[K]V)} }

func (m *Map[K, _]) Has(key K) bool     { _, err := m.Find(key); return err == nil }
func (m *Map[_, _]) IsEmpty() bool      { m.mu.Lock(); defer m.mu.Unlock(); return len(m.m) == 0 }
func (m *Map[K, V]) Put(key K, value V) { m.mu.Lock(); m.m[key] = value; m.mu.Unlock() }
func (m *Map[K, _]) RemoveByKey(key K)  { m.mu.Lock(); delete(m.m, key); m.mu.Unlock() }

// Find searches for the value by a specified key,
// returns ErrNotFound otherwise.
func (m *Map[K, V]) Find(key K) (value V, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.m[key]; ok {
		return v, nil
	}
	return value, ErrNotFound
}

// Keys returns the keys in no particular order.
func (m *Map[K, _]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	return keys
}
