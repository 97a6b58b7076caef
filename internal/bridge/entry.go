package bridge

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Entry is the exchanged form of an annotation in the viewer.
type Entry struct {
	ID string `json:"id,omitempty"`
	// Page is the zero based page index. A missing page means the current page.
	Page   *int            `json:"page,omitempty"`
	Intern json.RawMessage `json:"intern"`
}

// PageOf returns the page of the entry or fallback when none is set.
func (e Entry) PageOf(fallback int) int {
	if e.Page == nil {
		return fallback
	}
	return *e.Page
}

// Event is a notification of the viewer.
type Event struct {
	Name   string          `json:"name"`
	Detail json.RawMessage `json:"detail"`
}

// Event names emitted by the viewer.
const (
	EventReady       = "ready"
	EventCreate      = "create"
	EventUpdate      = "update"
	EventDelete      = "delete"
	EventSelect      = "select"
	EventPageChanged = "pageChanged"
)

// NewEntryID returns an id of the form {epoch-ms}-{9-digit random}.
func NewEntryID(now time.Time) string {
	return fmt.Sprintf("%d-%d", now.UnixMilli(), 100_000_000+rand.Int63n(900_000_000))
}

type entry struct {
	id     string
	page   int
	editor Editor
	intern json.RawMessage
	queue  *actionQueue
}

func (e *entry) extern() Entry {
	page := e.page
	return Entry{ID: e.id, Page: &page, Intern: e.intern}
}
