package entity

// Task describes the writing assignment.
type Task struct {
	Title        string `json:"title"`
	WriterName   string `json:"writer_name"`
	Instructions string `json:"instructions"`
	// WritingEnd is the server time in seconds after which no writing is accepted, zero if open.
	WritingEnd int64 `json:"writing_end"`
	// WritingExcluded is the server time in seconds the writer was excluded, zero if not excluded.
	WritingExcluded int64 `json:"writing_excluded"`
}

var taskFields = fieldKinds{
	"title":            kindString,
	"writer_name":      kindString,
	"instructions":     kindString,
	"writing_end":      kindInt,
	"writing_excluded": kindInt,
}

// DecodeTask decodes the task part of a bootstrap or update payload.
func DecodeTask(raw []byte) (Task, error) {
	var task Task
	if isNull(raw) {
		return task, nil
	}
	if err := decodeObject("task", raw, taskFields, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Alert is a message sent to the writer by the exam supervision.
type Alert struct {
	Key     string `json:"key"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

var alertFields = fieldKinds{
	"key":     kindString,
	"message": kindString,
	"time":    kindInt,
}

// DecodeAlert decodes a single alert.
func DecodeAlert(raw []byte) (Alert, error) {
	var alert Alert
	if err := decodeObject("alert", raw, alertFields, &alert); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// DecodeAlerts decodes a list of alerts.
func DecodeAlerts(raw []byte) ([]Alert, error) {
	return decodeList(raw, DecodeAlert)
}

// Settings holds the editor settings of the task.
type Settings struct {
	HeadlineScheme    string `json:"headline_scheme"`
	FormattingOptions string `json:"formatting_options"`
	NoticeBoards      int    `json:"notice_boards"`
	CopyAllowed       bool   `json:"copy_allowed"`
	PrimaryColor      string `json:"primary_color"`
	PrimaryTextColor  string `json:"primary_text_color"`
	AllowSpellcheck   bool   `json:"allow_spellcheck"`
}

var settingsFields = fieldKinds{
	"headline_scheme":    kindString,
	"formatting_options": kindString,
	"notice_boards":      kindInt,
	"copy_allowed":       kindBool,
	"primary_color":      kindString,
	"primary_text_color": kindString,
	"allow_spellcheck":   kindBool,
}

// DecodeSettings decodes the settings part of the bootstrap payload.
func DecodeSettings(raw []byte) (Settings, error) {
	var settings Settings
	if isNull(raw) {
		return settings, nil
	}
	if err := decodeObject("settings", raw, settingsFields, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

const (
	defaultInstructionsZoom = 0.25
	defaultEditorZoom       = 1
)

// Preferences are the writer's presentation choices.
type Preferences struct {
	InstructionsZoom float64 `json:"instructions_zoom"`
	EditorZoom       float64 `json:"editor_zoom"`
}

// DefaultPreferences returns the preferences of a writer that never changed them.
func DefaultPreferences() Preferences {
	return Preferences{InstructionsZoom: defaultInstructionsZoom, EditorZoom: defaultEditorZoom}
}

// Data returns the flat representation of the preferences.
func (p Preferences) Data() map[string]any {
	return map[string]any{
		"instructions_zoom": p.InstructionsZoom,
		"editor_zoom":       p.EditorZoom,
	}
}

var preferencesFields = fieldKinds{
	"instructions_zoom": kindFloat,
	"editor_zoom":       kindFloat,
}

// DecodePreferences decodes preferences on top of the defaults.
func DecodePreferences(raw []byte) (Preferences, error) {
	preferences := DefaultPreferences()
	if isNull(raw) {
		return preferences, nil
	}
	if err := decodeObject("preferences", raw, preferencesFields, &preferences); err != nil {
		return Preferences{}, err
	}
	return preferences, nil
}
