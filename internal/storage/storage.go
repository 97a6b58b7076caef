// Package storage provides the namespaced durable key-value substrate used by every domain store
// and by the change outbox. Values are persisted as JSON documents.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Namespaces used by the writer agent. Each domain keeps its own namespace.
const (
	NamespaceSettings    = "settings"
	NamespaceTask        = "task"
	NamespaceResources   = "resources"
	NamespaceEssay       = "essay"
	NamespaceNotes       = "notes"
	NamespaceChanges     = "changes"
	NamespaceAlerts      = "alerts"
	NamespaceAnnotations = "annotations"
	NamespacePreferences = "preferences"
	NamespaceSession     = "session"
)

// IndexKey is the sentinel key under which a namespace keeps the list of its entity keys.
const IndexKey = "keys"

var (
	// ErrInvalidKey indicates an empty storage key.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrInvalidNamespace indicates an empty namespace name.
	ErrInvalidNamespace = errors.New("storage: invalid namespace")
)

// Namespace is a durable key-value map isolated from other namespaces.
type Namespace interface {
	Name() string
	// Get decodes the value stored under key into dest and reports whether the key existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// Store hands out namespaces.
type Store interface {
	Namespace(name string) Namespace
}

// LoadIndex reads the key index of a namespace. A missing index yields an empty list.
func LoadIndex(ctx context.Context, namespace Namespace) ([]string, error) {
	var keys []string
	found, err := namespace.Get(ctx, IndexKey, &keys)
	if err != nil {
		return nil, err
	}
	if !found || keys == nil {
		return []string{}, nil
	}
	return keys, nil
}

// SaveIndex writes the key index of a namespace.
func SaveIndex(ctx context.Context, namespace Namespace, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	return namespace.Set(ctx, IndexKey, keys)
}

func encodeValue(value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("storage: invalid raw json value")
		}
		return raw, nil
	}
	return json.Marshal(value)
}

func decodeValue(payload []byte, dest any) error {
	if dest == nil {
		return nil
	}
	if raw, ok := dest.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], payload...)
		return nil
	}
	return json.Unmarshal(payload, dest)
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
