package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/patrickmn/go-cache"
)

const memoryKeySeparator = "\x00"

// MemoryStore keeps namespaces in process memory. Nothing survives a restart.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
}

// Namespace returns the namespace with the given name.
func (s *MemoryStore) Namespace(name string) Namespace {
	return &memoryNamespace{cache: s.cache, name: name}
}

type memoryNamespace struct {
	cache *cache.Cache
	name  string
}

func (n *memoryNamespace) Name() string {
	return n.name
}

func (n *memoryNamespace) Get(_ context.Context, key string, dest any) (bool, error) {
	if err := n.validate(key); err != nil {
		return false, err
	}
	value, found := n.cache.Get(n.prefix() + key)
	if !found {
		return false, nil
	}
	payload, _ := value.([]byte)
	if err := decodeValue(payload, dest); err != nil {
		return true, err
	}
	return true, nil
}

func (n *memoryNamespace) Set(_ context.Context, key string, value any) error {
	if err := n.validate(key); err != nil {
		return err
	}
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	n.cache.Set(n.prefix()+key, stored, cache.NoExpiration)
	return nil
}

func (n *memoryNamespace) Remove(_ context.Context, key string) error {
	if err := n.validate(key); err != nil {
		return err
	}
	n.cache.Delete(n.prefix() + key)
	return nil
}

func (n *memoryNamespace) Clear(_ context.Context) error {
	if n.name == "" {
		return ErrInvalidNamespace
	}
	prefix := n.prefix()
	for cacheKey := range n.cache.Items() {
		if strings.HasPrefix(cacheKey, prefix) {
			n.cache.Delete(cacheKey)
		}
	}
	return nil
}

func (n *memoryNamespace) Keys(_ context.Context) ([]string, error) {
	if n.name == "" {
		return nil, ErrInvalidNamespace
	}
	prefix := n.prefix()
	keys := []string{}
	for cacheKey := range n.cache.Items() {
		if strings.HasPrefix(cacheKey, prefix) {
			keys = append(keys, strings.TrimPrefix(cacheKey, prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (n *memoryNamespace) prefix() string {
	return n.name + memoryKeySeparator
}

func (n *memoryNamespace) validate(key string) error {
	if n.name == "" {
		return ErrInvalidNamespace
	}
	return validateKey(key)
}
