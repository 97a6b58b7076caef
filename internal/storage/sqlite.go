package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record persists one key of one namespace.
type Record struct {
	Namespace   string `gorm:"column:namespace;primaryKey;size:64;not null"`
	Key         string `gorm:"column:record_key;primaryKey;size:190;not null"`
	Value       string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "kv_records"
}

const (
	queryNamespace    = "namespace = ?"
	queryNamespaceKey = "namespace = ? AND record_key = ?"
)

// SQLiteStore keeps namespaces in a single SQLite table.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an opened and migrated database handle.
func NewSQLiteStore(db *gorm.DB, clock func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("storage: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

// Namespace returns the namespace with the given name.
func (s *SQLiteStore) Namespace(name string) Namespace {
	return &sqliteNamespace{store: s, name: name}
}

type sqliteNamespace struct {
	store *SQLiteStore
	name  string
}

func (n *sqliteNamespace) Name() string {
	return n.name
}

func (n *sqliteNamespace) Get(ctx context.Context, key string, dest any) (bool, error) {
	if err := n.validate(key); err != nil {
		return false, err
	}
	var record Record
	err := n.store.db.WithContext(ctx).
		Where(queryNamespaceKey, n.name, key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decodeValue([]byte(record.Value), dest); err != nil {
		return true, err
	}
	return true, nil
}

func (n *sqliteNamespace) Set(ctx context.Context, key string, value any) error {
	if err := n.validate(key); err != nil {
		return err
	}
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	record := Record{
		Namespace:   n.name,
		Key:         key,
		Value:       string(payload),
		UpdatedAtMs: n.store.clock().UnixMilli(),
	}
	return n.store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "record_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_ms"}),
		}).
		Create(&record).Error
}

func (n *sqliteNamespace) Remove(ctx context.Context, key string) error {
	if err := n.validate(key); err != nil {
		return err
	}
	return n.store.db.WithContext(ctx).
		Where(queryNamespaceKey, n.name, key).
		Delete(&Record{}).Error
}

func (n *sqliteNamespace) Clear(ctx context.Context) error {
	if n.name == "" {
		return ErrInvalidNamespace
	}
	return n.store.db.WithContext(ctx).
		Where(queryNamespace, n.name).
		Delete(&Record{}).Error
}

func (n *sqliteNamespace) Keys(ctx context.Context) ([]string, error) {
	if n.name == "" {
		return nil, ErrInvalidNamespace
	}
	var keys []string
	err := n.store.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryNamespace, n.name).
		Order("record_key ASC").
		Pluck("record_key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (n *sqliteNamespace) validate(key string) error {
	if n.name == "" {
		return ErrInvalidNamespace
	}
	return validateKey(key)
}
