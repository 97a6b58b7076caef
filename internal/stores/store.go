// Package stores holds the domain stores of the writer agent. Every store keeps its state in
// memory, persists it to its own storage namespace and records change markers in the outbox
// for data that has to be delivered to the backend.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/changes"
	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/storage"
)

// Store names used in notifications.
const (
	StoreSettings    = "settings"
	StoreTask        = "task"
	StoreResources   = "resources"
	StoreEssay       = "essay"
	StoreNotes       = "notes"
	StoreAlerts      = "alerts"
	StorePreferences = "preferences"
	StoreAnnotations = "annotations"
)

const defaultNotesPollInterval = 200 * time.Millisecond

var (
	errMissingStorage = errors.New("stores: storage is required")
	noOpLogger        = zap.NewNop()
)

// Notifier is called after a store changed its state.
type Notifier func(store string, keys ...string)

// Config wires the stores to storage, time and logging.
type Config struct {
	Storage           storage.Store
	Clock             *clock.ServerClock
	Logger            *zap.Logger
	Notify            Notifier
	NotesPollInterval time.Duration
}

// Set bundles all domain stores of one writer session.
type Set struct {
	Changes     *changes.Outbox
	Settings    *Settings
	Task        *Task
	Resources   *Resources
	Essay       *Essay
	Notes       *Notes
	Alerts      *Alerts
	Preferences *Preferences
	Annotations *Annotations
}

// New constructs every store of a session.
func New(cfg Config) (*Set, error) {
	if cfg.Storage == nil {
		return nil, errMissingStorage
	}
	serverClock := cfg.Clock
	if serverClock == nil {
		serverClock = clock.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(string, ...string) {}
	}
	pollInterval := cfg.NotesPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultNotesPollInterval
	}

	outbox, err := changes.NewOutbox(changes.Config{
		Namespace: cfg.Storage.Namespace(storage.NamespaceChanges),
		Clock:     func() time.Time { return time.UnixMilli(serverClock.NowMs()) },
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	newBase := func(name, namespace string) base {
		return base{
			name:      name,
			namespace: cfg.Storage.Namespace(namespace),
			logger:    logger,
			notify:    notify,
		}
	}

	task := &Task{base: newBase(StoreTask, storage.NamespaceTask), clock: serverClock}
	set := &Set{
		Changes:   outbox,
		Settings:  &Settings{base: newBase(StoreSettings, storage.NamespaceSettings)},
		Task:      task,
		Resources: &Resources{base: newBase(StoreResources, storage.NamespaceResources)},
		Essay:     &Essay{base: newBase(StoreEssay, storage.NamespaceEssay), clock: serverClock},
		Notes: &Notes{
			base:         newBase(StoreNotes, storage.NamespaceNotes),
			outbox:       outbox,
			clock:        serverClock,
			writingEnded: task.WritingEndReached,
			pollInterval: pollInterval,
			notes:        map[string]entity.Note{},
			edits:        map[string]entity.Note{},
		},
		Alerts: &Alerts{base: newBase(StoreAlerts, storage.NamespaceAlerts)},
		Preferences: &Preferences{
			base:        newBase(StorePreferences, storage.NamespacePreferences),
			outbox:      outbox,
			clock:       serverClock,
			preferences: entity.DefaultPreferences(),
		},
		Annotations: &Annotations{
			base:   newBase(StoreAnnotations, storage.NamespaceAnnotations),
			outbox: outbox,
			clock:  serverClock,
		},
	}
	return set, nil
}

// ClearAll removes the durable state of every store.
func (s *Set) ClearAll(ctx context.Context) {
	s.Settings.ClearStorage(ctx)
	s.Task.ClearStorage(ctx)
	s.Resources.ClearStorage(ctx)
	s.Essay.ClearStorage(ctx)
	s.Notes.ClearStorage(ctx)
	s.Alerts.ClearStorage(ctx)
	s.Preferences.ClearStorage(ctx)
	s.Annotations.ClearStorage(ctx)
	_ = s.Changes.ClearStorage(ctx)
}

// ChangePayload is a change marker together with the live payload of its entity and the
// change time converted to server seconds, as delivered to the backend.
type ChangePayload struct {
	entity.Change
	Payload    json.RawMessage `json:"payload,omitempty"`
	ServerTime int64           `json:"server_time"`
}

func newChangePayload(change entity.Change, payload json.RawMessage, serverClock *clock.ServerClock) ChangePayload {
	return ChangePayload{
		Change:     change,
		Payload:    payload,
		ServerTime: serverClock.ServerTime(change.LastChange),
	}
}

type base struct {
	name      string
	namespace storage.Namespace
	logger    *zap.Logger
	notify    Notifier
}

func (b *base) publish(keys ...string) {
	b.notify(b.name, keys...)
}

// read decodes a stored value and reports whether it was found and readable.
func (b *base) read(ctx context.Context, key string, dest any) bool {
	found, err := b.namespace.Get(ctx, key, dest)
	if err != nil {
		b.logError("read", "storage_read_failed", err, zap.String("key", key))
		return false
	}
	return found
}

func (b *base) write(ctx context.Context, key string, value any) {
	if err := b.namespace.Set(ctx, key, value); err != nil {
		b.logError("write", "storage_write_failed", err, zap.String("key", key))
	}
}

func (b *base) remove(ctx context.Context, key string) {
	if err := b.namespace.Remove(ctx, key); err != nil {
		b.logError("remove", "storage_remove_failed", err, zap.String("key", key))
	}
}

func (b *base) clear(ctx context.Context) {
	if err := b.namespace.Clear(ctx); err != nil {
		b.logError("clear", "storage_clear_failed", err)
	}
}

func (b *base) readIndex(ctx context.Context) []string {
	keys, err := storage.LoadIndex(ctx, b.namespace)
	if err != nil {
		b.logError("read_index", "storage_read_failed", err)
		return []string{}
	}
	return keys
}

func (b *base) writeIndex(ctx context.Context, keys []string) {
	if err := storage.SaveIndex(ctx, b.namespace, keys); err != nil {
		b.logError("write_index", "storage_write_failed", err)
	}
}

// readPayload returns the raw stored value of a key, or nil if it is missing.
func (b *base) readPayload(ctx context.Context, key string) json.RawMessage {
	var payload json.RawMessage
	if !b.read(ctx, key, &payload) {
		return nil
	}
	return payload
}

func (b *base) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "stores."+b.name+"."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("store error", attrs...)
}
