package entity

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

const annotationPrefix = "ANNO-"

// Annotation is a highlight or comment placed on a resource.
type Annotation struct {
	ResourceKey string `json:"resource_key" validate:"required"`
	MarkKey     string `json:"mark_key" validate:"required"`
	// MarkValue is the serialized state of the mark as produced by the annotation surface.
	MarkValue     json.RawMessage `json:"mark_value"`
	ParentNumber  int             `json:"parent_number" validate:"gte=0"`
	StartPosition int             `json:"start_position"`
	EndPosition   int             `json:"end_position"`
	Comment       string          `json:"comment"`
	// Label is derived from the sort order and never persisted.
	Label string `json:"-"`
}

// AnnotationKey returns the storage key of the annotation identified by resource and mark.
func AnnotationKey(resourceKey, markKey string) string {
	return annotationPrefix + resourceKey + "-" + markKey
}

// Key returns the storage key of the annotation.
func (a Annotation) Key() string {
	return AnnotationKey(a.ResourceKey, a.MarkKey)
}

// Validate checks that the identifying fields are present.
func (a Annotation) Validate() error {
	if err := structValidator.Struct(a); err != nil {
		return fmt.Errorf("%w: annotation: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Data returns the flat representation of the annotation without its label.
func (a Annotation) Data() map[string]any {
	markValue := a.MarkValue
	if len(markValue) == 0 {
		markValue = json.RawMessage("null")
	}
	return map[string]any{
		"resource_key":   a.ResourceKey,
		"mark_key":       a.MarkKey,
		"mark_value":     markValue,
		"parent_number":  a.ParentNumber,
		"start_position": a.StartPosition,
		"end_position":   a.EndPosition,
		"comment":        a.Comment,
	}
}

// Signature returns a stable serialization used to detect changes.
func (a Annotation) Signature() string {
	var compacted bytes.Buffer
	markValue := a.MarkValue
	if len(markValue) > 0 && json.Compact(&compacted, markValue) == nil {
		markValue = compacted.Bytes()
	}
	clone := a
	clone.MarkValue = markValue
	encoded, err := json.Marshal(clone.Data())
	if err != nil {
		return a.Key()
	}
	return string(encoded)
}

// Clone returns a deep copy of the annotation.
func (a Annotation) Clone() Annotation {
	clone := a
	if a.MarkValue != nil {
		clone.MarkValue = append(json.RawMessage(nil), a.MarkValue...)
	}
	return clone
}

// CompareAnnotations orders annotations by resource, parent number and start position.
// The mark key breaks remaining ties so that the order is total.
func CompareAnnotations(a, b Annotation) int {
	if c := strings.Compare(a.ResourceKey, b.ResourceKey); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ParentNumber, b.ParentNumber); c != 0 {
		return c
	}
	if c := cmp.Compare(a.StartPosition, b.StartPosition); c != 0 {
		return c
	}
	return strings.Compare(a.MarkKey, b.MarkKey)
}

// SortAndLabel sorts the annotations in place and assigns every annotation the label
// "{parent+1}.{ordinal}", counting the ordinal per resource and parent number.
func SortAndLabel(annotations []Annotation) {
	slices.SortStableFunc(annotations, CompareAnnotations)
	ordinal := 0
	for index := range annotations {
		current := annotations[index]
		if index == 0 ||
			current.ResourceKey != annotations[index-1].ResourceKey ||
			current.ParentNumber != annotations[index-1].ParentNumber {
			ordinal = 0
		}
		ordinal++
		annotations[index].Label = fmt.Sprintf("%d.%d", current.ParentNumber+1, ordinal)
	}
}

var annotationFields = fieldKinds{
	"resource_key":   kindString,
	"mark_key":       kindString,
	"mark_value":     kindRaw,
	"parent_number":  kindInt,
	"start_position": kindInt,
	"end_position":   kindInt,
	"comment":        kindString,
}

// DecodeAnnotation decodes an annotation from a backend, storage or viewer payload.
func DecodeAnnotation(raw []byte) (Annotation, error) {
	var annotation Annotation
	if err := decodeObject("annotation", raw, annotationFields, &annotation); err != nil {
		return Annotation{}, err
	}
	return annotation, nil
}

// DecodeAnnotations decodes a list of annotations.
func DecodeAnnotations(raw []byte) ([]Annotation, error) {
	return decodeList(raw, DecodeAnnotation)
}
