// Package bridge synchronizes annotation entries between the writer and an embedded PDF viewer.
//
// The child side (Synchronizer, ServeChild) runs next to the viewer and applies entry actions
// to editors that only exist while their page is rendered. The parent side (Client) calls
// those actions over a Conn and receives the viewer events.
package bridge

import (
	"context"
	"encoding/json"
)

// Editor is an annotation editor living on a rendered page.
type Editor interface {
	// Serialize returns the state of the editor that Layer.Deserialize accepts.
	Serialize() (json.RawMessage, error)
	Remove()
}

// Layer is the editing layer of one rendered page.
type Layer interface {
	Deserialize(ctx context.Context, intern json.RawMessage) (Editor, error)
	// Add places the editor on the layer without focusing it.
	Add(editor Editor)
}

// Surface is the viewer hosting the pages, layers and editors.
type Surface interface {
	CurrentPage() int
	// Layer returns the editing layer of a page, or false when the page is not rendered.
	Layer(page int) (Layer, bool)
	Editors(page int) []Editor
	// SelectedEditor returns the first selected editor or nil.
	SelectedEditor() Editor
	SetSelected(editor Editor)
	InEditMode() bool
	// SwitchToEditMode switches the viewer to the editing mode and keeps the entry selected.
	SwitchToEditMode(entryID string)
	SwitchToPage(page int)
}
