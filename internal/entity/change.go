package entity

import (
	"github.com/go-playground/validator/v10"
)

// ChangeType names the kind of entity a change marker refers to.
type ChangeType string

const (
	ChangeTypeNotes       ChangeType = "notes"
	ChangeTypePreferences ChangeType = "preferences"
	ChangeTypeAnnotations ChangeType = "annotations"
)

// ChangeTypes lists every change type in the order they are sent to the backend.
var ChangeTypes = []ChangeType{ChangeTypeNotes, ChangeTypePreferences, ChangeTypeAnnotations}

// Valid reports whether the type is one of ChangeTypes.
func (t ChangeType) Valid() bool {
	for _, known := range ChangeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ChangeAction is the action the backend has to apply for a change.
type ChangeAction string

const (
	ActionSave   ChangeAction = "save"
	ActionDelete ChangeAction = "delete"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Change marks an entity as needing delivery to the backend. It never carries the entity
// payload; the payload is read from storage when the change is sent.
type Change struct {
	Type       ChangeType   `json:"type" validate:"required,oneof=notes preferences annotations"`
	Action     ChangeAction `json:"action" validate:"required,oneof=save delete"`
	Key        string       `json:"key" validate:"required"`
	LastChange int64        `json:"last_change" validate:"gte=0"`
}

// NewChange builds a change marker stamped with the given client time in milliseconds.
func NewChange(changeType ChangeType, action ChangeAction, key string, nowMs int64) Change {
	return Change{Type: changeType, Action: action, Key: key, LastChange: nowMs}
}

// Valid reports whether the change has an allowed type and action and a non-empty key.
func (c Change) Valid() bool {
	return structValidator.Struct(c) == nil
}

// Data returns the flat representation of the change.
func (c Change) Data() map[string]any {
	return map[string]any{
		"type":        string(c.Type),
		"action":      string(c.Action),
		"key":         c.Key,
		"last_change": c.LastChange,
	}
}

var changeFields = fieldKinds{
	"type":        kindString,
	"action":      kindString,
	"key":         kindString,
	"last_change": kindInt,
}

// DecodeChange decodes a stored change marker.
func DecodeChange(raw []byte) (Change, error) {
	var change Change
	if err := decodeObject("change", raw, changeFields, &change); err != nil {
		return Change{}, err
	}
	return change, nil
}
