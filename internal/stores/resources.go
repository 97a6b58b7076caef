package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/entity"
)

const resourcesActiveKey = "activeKey"

// ErrUnknownResource indicates that no resource with the requested key exists.
var ErrUnknownResource = errors.New("stores: unknown resource")

// ResourceURLFunc returns the download url of a file resource.
type ResourceURLFunc func(resourceKey string) string

// Resources keeps the task materials and the resource selected for display.
type Resources struct {
	base

	mu        sync.Mutex
	resources []entity.Resource
	activeKey string
}

// ClearStorage removes the persisted resources.
func (s *Resources) ClearStorage(ctx context.Context) {
	s.clear(ctx)
	s.mu.Lock()
	s.resources = nil
	s.activeKey = ""
	s.mu.Unlock()
}

// LoadFromStorage restores the persisted resources.
func (s *Resources) LoadFromStorage(ctx context.Context) {
	keys := s.readIndex(ctx)
	resources := make([]entity.Resource, 0, len(keys))
	for _, key := range keys {
		payload := s.readPayload(ctx, key)
		if payload == nil {
			continue
		}
		resource, err := entity.DecodeResource(payload)
		if err != nil {
			s.logError("load_from_storage", "decode_failed", err, zap.String("key", key))
			continue
		}
		resources = append(resources, resource)
	}
	var activeKey string
	s.read(ctx, resourcesActiveKey, &activeKey)

	s.mu.Lock()
	s.resources = resources
	s.activeKey = activeKey
	s.mu.Unlock()
	s.publish()
}

// LoadFromData replaces the resources. Resources other than links get the download url
// returned by fileURL. The first embedded selectable resource becomes the active one.
func (s *Resources) LoadFromData(ctx context.Context, resources []entity.Resource, fileURL ResourceURLFunc) {
	s.clear(ctx)

	loaded := make([]entity.Resource, 0, len(resources))
	keys := make([]string, 0, len(resources))
	activeKey := ""
	for _, resource := range resources {
		if resource.Type != entity.ResourceTypeURL && fileURL != nil {
			resource.URL = fileURL(resource.Key)
		}
		if activeKey == "" && resource.IsEmbeddedSelectable() {
			activeKey = resource.Key
		}
		loaded = append(loaded, resource)
		keys = append(keys, resource.Key)
		s.write(ctx, resource.Key, resource)
	}
	s.writeIndex(ctx, keys)
	s.write(ctx, resourcesActiveKey, activeKey)

	s.mu.Lock()
	s.resources = loaded
	s.activeKey = activeKey
	s.mu.Unlock()
	s.publish(keys...)
}

// SelectResource makes the resource with the given key the active one.
func (s *Resources) SelectResource(ctx context.Context, key string) error {
	if _, ok := s.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, key)
	}
	s.mu.Lock()
	s.activeKey = key
	s.mu.Unlock()
	s.write(ctx, resourcesActiveKey, key)
	s.publish(key)
	return nil
}

// All returns the resources in delivery order.
func (s *Resources) All() []entity.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.Resource(nil), s.resources...)
}

// Get returns the resource with the given key.
func (s *Resources) Get(key string) (entity.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, resource := range s.resources {
		if resource.Key == key {
			return resource, true
		}
	}
	return entity.Resource{}, false
}

// ActiveKey returns the key of the selected resource.
func (s *Resources) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeKey
}

// FilesToLoad returns the resources whose files should be preloaded.
func (s *Resources) FilesToLoad() []entity.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]entity.Resource, 0)
	for _, resource := range s.resources {
		if resource.HasFileToLoad() && resource.URL != "" {
			result = append(result, resource)
		}
	}
	return result
}
