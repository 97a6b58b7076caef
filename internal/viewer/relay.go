// Package viewer relays annotation entries between an embedded PDF viewer and the
// annotations store of one resource.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/longessay/writer-agent/internal/bridge"
	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/stores"
)

const eventBuffer = 64

var (
	// ErrMissingAnnotations indicates that the relay was constructed without a store.
	ErrMissingAnnotations = errors.New("viewer: annotations store is required")
	// ErrMissingResource indicates that the relay was constructed without a resource key.
	ErrMissingResource = errors.New("viewer: resource key is required")
	// ErrMissingConn indicates that the relay was constructed without a bridge connection.
	ErrMissingConn = errors.New("viewer: bridge connection is required")
	// ErrNotConnected is returned while the viewer is not ready.
	ErrNotConnected = errors.New("viewer: not connected")
)

// Annotations is the part of the annotations store the relay mutates.
type Annotations interface {
	ForResource(resourceKey string) []entity.Annotation
	Get(key string) (entity.Annotation, bool)
	Upsert(ctx context.Context, key string, change func(annotation *entity.Annotation, exists bool)) (entity.Annotation, error)
	DeleteAnnotation(ctx context.Context, key string) error
	SelectAnnotation(key string) error
}

// Config describes one viewer session.
type Config struct {
	Annotations Annotations
	ResourceKey string
	Conn        bridge.Conn
	Logger      *zap.Logger
}

// Relay is the parent side of one viewer session.
type Relay struct {
	annotations Annotations
	resourceKey string
	conn        bridge.Conn
	sessionID   string
	logger      *zap.Logger

	mu     sync.Mutex
	client *bridge.Client
}

// New constructs a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Annotations == nil {
		return nil, ErrMissingAnnotations
	}
	if strings.TrimSpace(cfg.ResourceKey) == "" {
		return nil, ErrMissingResource
	}
	if cfg.Conn == nil {
		return nil, ErrMissingConn
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.NewString()
	if generated, err := uuid.NewV7(); err == nil {
		sessionID = generated.String()
	}
	return &Relay{
		annotations: cfg.Annotations,
		resourceKey: cfg.ResourceKey,
		conn:        cfg.Conn,
		sessionID:   sessionID,
		logger: logger.With(
			zap.String("viewer_session", sessionID),
			zap.String("resource_key", cfg.ResourceKey)),
	}, nil
}

// SessionID identifies the viewer session in logs.
func (r *Relay) SessionID() string {
	return r.sessionID
}

// ResourceKey returns the resource shown by the viewer.
func (r *Relay) ResourceKey() string {
	return r.resourceKey
}

// Run pushes the stored annotations to the viewer and applies the viewer events to the store
// until ctx is done or the viewer disconnects.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan bridge.Event, eventBuffer)
	client := bridge.NewClient(r.conn, bridge.ClientOptions{
		OnEvent: func(event bridge.Event) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		},
		Logger: r.logger,
	})
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()
		_ = r.conn.Close()
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return client.Run(groupCtx)
	})
	group.Go(func() error {
		return r.consume(groupCtx, events)
	})
	group.Go(func() error {
		return r.pushStored(groupCtx, client)
	})
	return group.Wait()
}

// Select selects the entry of the annotation in the viewer.
func (r *Relay) Select(ctx context.Context, annotationKey string) error {
	client, err := r.readyClient()
	if err != nil {
		return err
	}
	annotation, ok := r.annotations.Get(annotationKey)
	if !ok || annotation.ResourceKey != r.resourceKey {
		return fmt.Errorf("%w: %s", stores.ErrUnknownAnnotation, annotationKey)
	}
	return client.Select(ctx, annotation.MarkKey)
}

// Reload replaces the viewer entries with the stored annotations.
func (r *Relay) Reload(ctx context.Context) error {
	client, err := r.readyClient()
	if err != nil {
		return err
	}
	return client.SetAll(ctx, r.storedEntries())
}

func (r *Relay) readyClient() (*bridge.Client, error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-client.Ready():
		return client, nil
	default:
		return nil, ErrNotConnected
	}
}

func (r *Relay) pushStored(ctx context.Context, client *bridge.Client) error {
	select {
	case <-client.Ready():
	case <-ctx.Done():
		return nil
	}
	entries := r.storedEntries()
	if err := client.SetAll(ctx, entries); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("viewer initial entries failed",
			zap.String("operation", "viewer.push_stored"),
			zap.Error(err))
		return nil
	}
	r.logger.Debug("viewer entries pushed", zap.Int("count", len(entries)))
	return nil
}

func (r *Relay) consume(ctx context.Context, events <-chan bridge.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			r.apply(ctx, event)
		}
	}
}

func (r *Relay) apply(ctx context.Context, event bridge.Event) {
	switch event.Name {
	case bridge.EventCreate, bridge.EventUpdate:
		entry, ok := r.decodeEntry(event)
		if !ok {
			return
		}
		_, err := r.annotations.Upsert(ctx, entity.AnnotationKey(r.resourceKey, entry.ID), func(annotation *entity.Annotation, _ bool) {
			r.applyEntry(annotation, entry)
		})
		if err != nil {
			r.logError(event.Name, err)
		}
	case bridge.EventDelete:
		entry, ok := r.decodeEntry(event)
		if !ok {
			return
		}
		err := r.annotations.DeleteAnnotation(ctx, entity.AnnotationKey(r.resourceKey, entry.ID))
		if err != nil && !errors.Is(err, stores.ErrUnknownAnnotation) {
			r.logError(event.Name, err)
		}
	case bridge.EventSelect:
		key := ""
		if !isNull(event.Detail) {
			entry, ok := r.decodeEntry(event)
			if !ok {
				return
			}
			key = entity.AnnotationKey(r.resourceKey, entry.ID)
		}
		if err := r.annotations.SelectAnnotation(key); err != nil {
			r.logError(event.Name, err)
		}
	default:
		r.logger.Debug("viewer event ignored", zap.String("event", event.Name))
	}
}

// applyEntry copies the viewer fields of the entry into the annotation. The comment and text
// positions written for an existing annotation are kept.
func (r *Relay) applyEntry(annotation *entity.Annotation, entry bridge.Entry) {
	annotation.ResourceKey = r.resourceKey
	annotation.MarkKey = entry.ID
	annotation.MarkValue = entry.Intern
	annotation.ParentNumber = entry.PageOf(0)
}

func (r *Relay) storedEntries() []bridge.Entry {
	annotations := r.annotations.ForResource(r.resourceKey)
	entries := make([]bridge.Entry, 0, len(annotations))
	for _, annotation := range annotations {
		page := annotation.ParentNumber
		entries = append(entries, bridge.Entry{ID: annotation.MarkKey, Page: &page, Intern: annotation.MarkValue})
	}
	return entries
}

func (r *Relay) decodeEntry(event bridge.Event) (bridge.Entry, bool) {
	var entry bridge.Entry
	if err := json.Unmarshal(event.Detail, &entry); err != nil || entry.ID == "" {
		if err == nil {
			err = errors.New("entry without id")
		}
		r.logError(event.Name, err)
		return bridge.Entry{}, false
	}
	return entry, true
}

func (r *Relay) logError(event string, err error) {
	r.logger.Warn("viewer event failed",
		zap.String("operation", "viewer.apply"),
		zap.String("event", event),
		zap.Error(err))
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
