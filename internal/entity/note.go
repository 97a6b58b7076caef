package entity

import "strconv"

const notePrefix = "NOTE_"

// Note is the content of one notice board.
type Note struct {
	NoteNo   int    `json:"note_no"`
	NoteText string `json:"note_text"`
	// LastChange is the server time in seconds of the last edit, zero if never edited.
	LastChange int64 `json:"last_change"`
}

// NoteKey returns the storage key of the notice board with the given number.
func NoteKey(noteNo int) string {
	return notePrefix + strconv.Itoa(noteNo)
}

// Key returns the storage key of the note.
func (n Note) Key() string {
	return NoteKey(n.NoteNo)
}

// Equal reports whether both notes carry identical data.
func (n Note) Equal(other Note) bool {
	return n == other
}

// Data returns the flat representation of the note.
func (n Note) Data() map[string]any {
	return map[string]any{
		"note_no":     n.NoteNo,
		"note_text":   n.NoteText,
		"last_change": n.LastChange,
	}
}

var noteFields = fieldKinds{
	"note_no":     kindInt,
	"note_text":   kindString,
	"last_change": kindInt,
}

// DecodeNote decodes a note from a backend or storage payload.
func DecodeNote(raw []byte) (Note, error) {
	var note Note
	if err := decodeObject("note", raw, noteFields, &note); err != nil {
		return Note{}, err
	}
	return note, nil
}

// DecodeNotes decodes a list of notes.
func DecodeNotes(raw []byte) ([]Note, error) {
	return decodeList(raw, DecodeNote)
}
