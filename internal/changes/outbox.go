// Package changes keeps the outbox of change markers that still have to be delivered to the backend.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/storage"
)

const (
	keyLastSave           = "lastSave"
	keyLastSendingSuccess = "lastSendingSuccess"
)

var (
	// ErrInvalidChange indicates a change marker with an unknown type or action or an empty key.
	ErrInvalidChange = errors.New("changes: invalid change")
	// ErrMissingNamespace indicates that no storage namespace was configured.
	ErrMissingNamespace = errors.New("changes: storage namespace is required")
	noOpLogger          = zap.NewNop()
)

// Config wires the outbox to its storage.
type Config struct {
	Namespace storage.Namespace
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Outbox tracks one pending change per type and key. Setting a change for a tracked key
// replaces the previous marker.
type Outbox struct {
	mu                 sync.Mutex
	namespace          storage.Namespace
	clock              func() time.Time
	logger             *zap.Logger
	changes            map[entity.ChangeType]map[string]entity.Change
	lastSave           int64
	lastSendingSuccess int64
}

// NewOutbox returns an empty outbox. Call LoadFromStorage to restore persisted markers.
func NewOutbox(cfg Config) (*Outbox, error) {
	if cfg.Namespace == nil {
		return nil, ErrMissingNamespace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Outbox{
		namespace: cfg.Namespace,
		clock:     clock,
		logger:    logger,
		changes:   emptyChanges(),
	}, nil
}

func emptyChanges() map[entity.ChangeType]map[string]entity.Change {
	changes := make(map[entity.ChangeType]map[string]entity.Change, len(entity.ChangeTypes))
	for _, changeType := range entity.ChangeTypes {
		changes[changeType] = make(map[string]entity.Change)
	}
	return changes
}

// SetChange records the change, replacing any marker for the same type and key, and
// persists the markers of the type before returning.
func (o *Outbox) SetChange(ctx context.Context, change entity.Change) error {
	if !change.Valid() {
		return fmt.Errorf("%w: %s/%s/%q", ErrInvalidChange, change.Type, change.Action, change.Key)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.changes[change.Type][change.Key] = change
	return o.persistTypeLocked(ctx, change.Type)
}

// UnsetChange removes the marker for the type and key of the change.
func (o *Outbox) UnsetChange(ctx context.Context, change entity.Change) error {
	if !change.Valid() {
		return fmt.Errorf("%w: %s/%s/%q", ErrInvalidChange, change.Type, change.Action, change.Key)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.changes[change.Type], change.Key)
	return o.persistTypeLocked(ctx, change.Type)
}

// ChangesFor returns the markers of a type with a timestamp not after maxTime.
// A maxTime of zero returns all markers of the type.
func (o *Outbox) ChangesFor(changeType entity.ChangeType, maxTime int64) []entity.Change {
	o.mu.Lock()
	defer o.mu.Unlock()

	tracked, ok := o.changes[changeType]
	if !ok {
		return []entity.Change{}
	}
	result := make([]entity.Change, 0, len(tracked))
	for _, change := range tracked {
		if maxTime == 0 || change.LastChange <= maxTime {
			result = append(result, change)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LastChange != result[j].LastChange {
			return result[i].LastChange < result[j].LastChange
		}
		return result[i].Key < result[j].Key
	})
	return result
}

// CountChanges returns the number of pending markers over all types.
func (o *Outbox) CountChanges() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	count := 0
	for _, tracked := range o.changes {
		count += len(tracked)
	}
	return count
}

// CountChangesFor returns the number of pending markers of a type.
func (o *Outbox) CountChangesFor(changeType entity.ChangeType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.changes[changeType])
}

// SetChangesSent applies the processed map returned by the backend for a type. Markers not
// changed after maxTime are removed. Markers changed later stay pending and move to the new key
// when the backend renamed it. A null new key keeps the marker under its old key.
func (o *Outbox) SetChangesSent(ctx context.Context, changeType entity.ChangeType, processed map[string]*string, maxTime int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	tracked, ok := o.changes[changeType]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChange, changeType)
	}

	modified := false
	for oldKey, newKey := range processed {
		change, found := tracked[oldKey]
		if !found {
			continue
		}
		if change.LastChange <= maxTime {
			delete(tracked, oldKey)
			modified = true
			continue
		}
		if newKey != nil && *newKey != "" && *newKey != oldKey {
			delete(tracked, oldKey)
			change.Key = *newKey
			tracked[*newKey] = change
			modified = true
		}
	}

	var persistErr error
	if modified {
		persistErr = o.persistTypeLocked(ctx, changeType)
	}

	o.lastSendingSuccess = o.clock().UnixMilli()
	if err := o.namespace.Set(ctx, keyLastSendingSuccess, o.lastSendingSuccess); err != nil {
		o.logError("set_changes_sent", "persist_last_sending_success", err)
		return errors.Join(persistErr, err)
	}
	return persistErr
}

// LastSave returns the time in epoch milliseconds the markers were last persisted.
func (o *Outbox) LastSave() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSave
}

// LastSendingSuccess returns the time in epoch milliseconds of the last acknowledged delivery.
func (o *Outbox) LastSendingSuccess() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSendingSuccess
}

// LoadFromStorage replaces the in-memory markers with the persisted ones. Unreadable entries
// are logged and skipped.
func (o *Outbox) LoadFromStorage(ctx context.Context) {
	loaded := emptyChanges()
	for _, changeType := range entity.ChangeTypes {
		for key, change := range o.readType(ctx, changeType) {
			loaded[changeType][key] = change
		}
	}

	var lastSave, lastSendingSuccess int64
	if _, err := o.namespace.Get(ctx, keyLastSave, &lastSave); err != nil {
		o.logError("load_from_storage", "read_last_save", err)
	}
	if _, err := o.namespace.Get(ctx, keyLastSendingSuccess, &lastSendingSuccess); err != nil {
		o.logError("load_from_storage", "read_last_sending_success", err)
	}

	o.mu.Lock()
	o.changes = loaded
	o.lastSave = lastSave
	o.lastSendingSuccess = lastSendingSuccess
	o.mu.Unlock()
}

// HasChangesInStorage reports whether persisted markers exist, regardless of the in-memory state.
func (o *Outbox) HasChangesInStorage(ctx context.Context) bool {
	for _, changeType := range entity.ChangeTypes {
		if len(o.readType(ctx, changeType)) > 0 {
			return true
		}
	}
	return false
}

// ClearStorage removes all persisted markers and resets the outbox.
func (o *Outbox) ClearStorage(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.changes = emptyChanges()
	o.lastSave = 0
	o.lastSendingSuccess = 0
	if err := o.namespace.Clear(ctx); err != nil {
		o.logError("clear_storage", "clear_failed", err)
		return err
	}
	return nil
}

func (o *Outbox) readType(ctx context.Context, changeType entity.ChangeType) map[string]entity.Change {
	var stored map[string]json.RawMessage
	found, err := o.namespace.Get(ctx, string(changeType), &stored)
	if err != nil {
		o.logError("read_type", "storage_read_failed", err, zap.String("type", string(changeType)))
		return nil
	}
	if !found {
		return nil
	}
	result := make(map[string]entity.Change, len(stored))
	for key, raw := range stored {
		change, err := entity.DecodeChange(raw)
		if err != nil || !change.Valid() || change.Type != changeType {
			o.logError("read_type", "invalid_change", err,
				zap.String("type", string(changeType)),
				zap.String("key", key))
			continue
		}
		result[key] = change
	}
	return result
}

func (o *Outbox) persistTypeLocked(ctx context.Context, changeType entity.ChangeType) error {
	data := make(map[string]map[string]any, len(o.changes[changeType]))
	for key, change := range o.changes[changeType] {
		data[key] = change.Data()
	}
	if err := o.namespace.Set(ctx, string(changeType), data); err != nil {
		o.logError("persist", "storage_write_failed", err, zap.String("type", string(changeType)))
		return err
	}
	o.lastSave = o.clock().UnixMilli()
	if err := o.namespace.Set(ctx, keyLastSave, o.lastSave); err != nil {
		o.logError("persist", "last_save_write_failed", err)
		return err
	}
	return nil
}

func (o *Outbox) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "changes."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("change outbox error", attrs...)
}
