package throttle

import (
	"context"
	"errors"
	"sync"
)

type (
	mapStorage struct {
		mu       sync.Mutex
		values   map[string]string
		volatile map[string]bool

		loadErr     error
		saveErr     error
		failSaveKey string
	}

	casStorage struct {
		*mapStorage

		swaps      int
		beforeSwap func(attempt int)
	}
)

var errBackendDown = errors.New("backend down")

func newMapStorage() *mapStorage {
	return &mapStorage{
		values:   map[string]string{},
		volatile: map[string]bool{},
	}
}

func (s *mapStorage) key(namespace, key string) string {
	return namespace + "/" + key
}

func (s *mapStorage) set(namespace, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[s.key(namespace, key)] = value
}

func (s *mapStorage) get(namespace, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[s.key(namespace, key)]
	return v, ok
}

func (s *mapStorage) isVolatile(namespace, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volatile[s.key(namespace, key)]
}

func (s *mapStorage) LoadStatus(_ context.Context, namespace, key string) (string, bool, error) {
	if s.loadErr != nil {
		return "", false, s.loadErr
	}

	v, ok := s.get(namespace, key)
	return v, ok, nil
}

func (s *mapStorage) SaveStatus(_ context.Context, namespace, key, value string, volatile bool) error {
	if s.saveErr != nil && (s.failSaveKey == "" || s.failSaveKey == key) {
		return s.saveErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[s.key(namespace, key)] = value
	s.volatile[s.key(namespace, key)] = volatile
	return nil
}

func (s *casStorage) CompareAndSwapStatus(_ context.Context, namespace, key, old string, oldOK bool, value string) (bool, error) {
	s.swaps++
	if s.beforeSwap != nil {
		s.beforeSwap(s.swaps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.values[s.key(namespace, key)]
	if ok != oldOK || (ok && current != old) {
		return false, nil
	}

	s.values[s.key(namespace, key)] = value
	s.volatile[s.key(namespace, key)] = false
	return true, nil
}
