package entity

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestChangeValidity(t *testing.T) {
	cases := []struct {
		name   string
		change Change
		valid  bool
	}{
		{name: "notes save", change: NewChange(ChangeTypeNotes, ActionSave, "NOTE_0", 10), valid: true},
		{name: "annotation delete", change: NewChange(ChangeTypeAnnotations, ActionDelete, "ANNO-r-1", 10), valid: true},
		{name: "unknown type", change: NewChange("essay", ActionSave, "x", 10), valid: false},
		{name: "unknown action", change: NewChange(ChangeTypeNotes, "patch", "x", 10), valid: false},
		{name: "empty key", change: NewChange(ChangeTypePreferences, ActionSave, "", 10), valid: false},
	}
	for _, testCase := range cases {
		if got := testCase.change.Valid(); got != testCase.valid {
			t.Fatalf("%s: expected valid=%v, got %v", testCase.name, testCase.valid, got)
		}
	}
}

func TestDecodeChangeCoercesNumericKey(t *testing.T) {
	change, err := DecodeChange([]byte(`{"type":"notes","action":"save","key":12,"last_change":"1700000000000"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if change.Key != "12" || change.LastChange != 1700000000000 {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestDecodeChangeRejectsUnknownType(t *testing.T) {
	_, err := DecodeChange([]byte(`{"type":"essay","action":"save","key":"k"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecodeNoteCoercesAndKeepsDefaults(t *testing.T) {
	note, err := DecodeNote([]byte(`{"note_no":"2","note_text":42,"last_change":null,"extra":true}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if note.NoteNo != 2 || note.NoteText != "42" || note.LastChange != 0 {
		t.Fatalf("unexpected note %+v", note)
	}
	if note.Key() != "NOTE_2" {
		t.Fatalf("unexpected key %s", note.Key())
	}
}

func TestDecodeNoteRejectsNonObject(t *testing.T) {
	if _, err := DecodeNote([]byte(`"note"`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := DecodeNote([]byte(`{"note_no":"two"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for non numeric note_no, got %v", err)
	}
}

func TestDecodeNotesHandlesNull(t *testing.T) {
	notes, err := DecodeNotes([]byte(`null`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected no notes, got %d", len(notes))
	}
}

func TestDecodeResourceUsesSourceForURLs(t *testing.T) {
	resources, err := DecodeResources([]byte(`[
		{"key":"r1","title":"Gesetz","type":"url","source":"https://example.com/law","embedded":0},
		{"key":"r2","title":"Sachverhalt","type":"file","size":"2048"}
	]`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	link := resources[0]
	if link.URL != "https://example.com/law" || !link.IsExternalURL() || link.IsEmbeddedSelectable() {
		t.Fatalf("unexpected url resource %+v", link)
	}
	file := resources[1]
	if !file.Embedded || !file.IsPDF() || !file.IsEmbeddedSelectable() || file.Size != 2048 {
		t.Fatalf("unexpected file resource %+v", file)
	}
}

func TestDecodeResourceRejectsUnknownType(t *testing.T) {
	if _, err := DecodeResource([]byte(`{"key":"r1","type":"video"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecodePreferencesAppliesDefaults(t *testing.T) {
	preferences, err := DecodePreferences([]byte(`{"editor_zoom":"1.5"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if preferences.InstructionsZoom != 0.25 || preferences.EditorZoom != 1.5 {
		t.Fatalf("unexpected preferences %+v", preferences)
	}
}

func TestDecodeWritingStepDefaultsToDelta(t *testing.T) {
	step, err := DecodeWritingStep([]byte(`{"timestamp":100,"content":"abc","distance":"3"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !step.IsDelta || step.Timestamp != 100 || step.Distance != 3 {
		t.Fatalf("unexpected step %+v", step)
	}
}

func TestDecodeSendingResultTreatsEmptyBodyAsSuccess(t *testing.T) {
	result, err := DecodeSendingResult(nil)
	if err != nil || !result.Success {
		t.Fatalf("expected success, got %+v err=%v", result, err)
	}
	result, err = DecodeSendingResult([]byte(`{"success":false,"message":"locked"}`))
	if err != nil || result.Success || result.Message != "locked" {
		t.Fatalf("unexpected result %+v err=%v", result, err)
	}
}

func TestDecodeAnnotationKeepsMarkValue(t *testing.T) {
	annotation, err := DecodeAnnotation([]byte(`{"resource_key":7,"mark_key":"m1","mark_value":{"rect":[1,2]},"parent_number":"3"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if annotation.ResourceKey != "7" || annotation.ParentNumber != 3 {
		t.Fatalf("unexpected annotation %+v", annotation)
	}
	var markValue map[string][]int
	if err := json.Unmarshal(annotation.MarkValue, &markValue); err != nil {
		t.Fatalf("mark value is not valid json: %v", err)
	}
	if len(markValue["rect"]) != 2 {
		t.Fatalf("unexpected mark value %s", string(annotation.MarkValue))
	}
	if annotation.Key() != "ANNO-7-m1" {
		t.Fatalf("unexpected key %s", annotation.Key())
	}
}

func TestAnnotationSignatureIgnoresLabelAndWhitespace(t *testing.T) {
	first := Annotation{ResourceKey: "r", MarkKey: "m", MarkValue: json.RawMessage(`{"a": 1}`), Label: "1.1"}
	second := Annotation{ResourceKey: "r", MarkKey: "m", MarkValue: json.RawMessage(`{"a":1}`), Label: "4.2"}
	if first.Signature() != second.Signature() {
		t.Fatalf("expected equal signatures, got %s and %s", first.Signature(), second.Signature())
	}
	second.Comment = "changed"
	if first.Signature() == second.Signature() {
		t.Fatalf("expected comment to change the signature")
	}
}

func TestAnnotationCloneIsDeep(t *testing.T) {
	original := Annotation{ResourceKey: "r", MarkKey: "m", MarkValue: json.RawMessage(`[1]`)}
	clone := original.Clone()
	clone.MarkValue[1] = '2'
	if string(original.MarkValue) != "[1]" {
		t.Fatalf("clone shares mark value with original")
	}
}

func TestSortAndLabelIsDeterministic(t *testing.T) {
	build := func() []Annotation {
		return []Annotation{
			{ResourceKey: "b", MarkKey: "x", ParentNumber: 0, StartPosition: 5},
			{ResourceKey: "a", MarkKey: "m3", ParentNumber: 1, StartPosition: 2},
			{ResourceKey: "a", MarkKey: "m1", ParentNumber: 0, StartPosition: 9},
			{ResourceKey: "a", MarkKey: "m2", ParentNumber: 0, StartPosition: 1},
			{ResourceKey: "a", MarkKey: "m4", ParentNumber: 1, StartPosition: 2},
		}
	}

	forward := build()
	SortAndLabel(forward)
	reversed := build()
	for left, right := 0, len(reversed)-1; left < right; left, right = left+1, right-1 {
		reversed[left], reversed[right] = reversed[right], reversed[left]
	}
	SortAndLabel(reversed)

	expected := map[string]string{"m2": "1.1", "m1": "1.2", "m3": "2.1", "m4": "2.2", "x": "1.1"}
	for index := range forward {
		if forward[index].MarkKey != reversed[index].MarkKey || forward[index].Label != reversed[index].Label {
			t.Fatalf("order depends on insertion order at %d: %+v vs %+v", index, forward[index], reversed[index])
		}
		if forward[index].Label != expected[forward[index].MarkKey] {
			t.Fatalf("mark %s: expected label %s, got %s", forward[index].MarkKey, expected[forward[index].MarkKey], forward[index].Label)
		}
	}

	labels := make([]string, len(forward))
	for index := range forward {
		labels[index] = forward[index].Label
	}
	SortAndLabel(forward)
	for index := range forward {
		if forward[index].Label != labels[index] {
			t.Fatalf("relabeling changed label at %d", index)
		}
	}
}
