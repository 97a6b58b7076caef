package entity

// WritingStep is one saving of the essay. Delta steps carry a diff against the content
// before, full steps carry the whole content.
type WritingStep struct {
	IsDelta bool `json:"is_delta"`
	// Timestamp is the saving time in server seconds.
	Timestamp  int64  `json:"timestamp"`
	Content    string `json:"content"`
	HashBefore string `json:"hash_before"`
	HashAfter  string `json:"hash_after"`
	Distance   int    `json:"distance"`
}

// Data returns the flat representation of the step.
func (s WritingStep) Data() map[string]any {
	return map[string]any{
		"is_delta":    s.IsDelta,
		"timestamp":   s.Timestamp,
		"content":     s.Content,
		"hash_before": s.HashBefore,
		"hash_after":  s.HashAfter,
		"distance":    s.Distance,
	}
}

var writingStepFields = fieldKinds{
	"is_delta":    kindBool,
	"timestamp":   kindInt,
	"content":     kindString,
	"hash_before": kindString,
	"hash_after":  kindString,
	"distance":    kindInt,
}

// DecodeWritingStep decodes a stored writing step.
func DecodeWritingStep(raw []byte) (WritingStep, error) {
	step := WritingStep{IsDelta: true}
	if err := decodeObject("writing_step", raw, writingStepFields, &step); err != nil {
		return WritingStep{}, err
	}
	return step, nil
}

// SendingResult is the outcome reported by the backend for a delivery.
type SendingResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details string `json:"details"`
}

var sendingResultFields = fieldKinds{
	"success": kindBool,
	"message": kindString,
	"details": kindString,
}

// DecodeSendingResult decodes a backend result. An empty body counts as success.
func DecodeSendingResult(raw []byte) (SendingResult, error) {
	result := SendingResult{Success: true}
	if isNull(raw) {
		return result, nil
	}
	if err := decodeObject("sending_result", raw, sendingResultFields, &result); err != nil {
		return SendingResult{}, err
	}
	return result, nil
}

// EssayData is the essay part of the bootstrap payload.
type EssayData struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
	// Started is the server time in seconds when writing started, zero if not yet started.
	Started int64 `json:"started"`
}

var essayFields = fieldKinds{
	"content": kindString,
	"hash":    kindString,
	"started": kindInt,
}

// DecodeEssayData decodes the essay part of the bootstrap payload.
func DecodeEssayData(raw []byte) (EssayData, error) {
	var essay EssayData
	if isNull(raw) {
		return essay, nil
	}
	if err := decodeObject("essay", raw, essayFields, &essay); err != nil {
		return EssayData{}, err
	}
	return essay, nil
}
