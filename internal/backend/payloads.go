package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/stores"
)

// DataPayload is the bootstrap payload of GET /data.
type DataPayload struct {
	Settings    entity.Settings
	Task        entity.Task
	Resources   []entity.Resource
	Essay       entity.EssayData
	Notes       []entity.Note
	Annotations []entity.Annotation
	// Preferences is nil when the backend did not deliver stored preferences.
	Preferences *entity.Preferences
}

// UpdatePayload is the incremental payload of GET /update.
type UpdatePayload struct {
	Task   entity.Task
	Alerts []entity.Alert
}

// StepsRequest is the body of PUT /steps.
type StepsRequest struct {
	Steps []entity.WritingStep `json:"steps"`
}

// ChangesRequest is the body of PUT /changes.
type ChangesRequest struct {
	Notes       []stores.ChangePayload `json:"notes"`
	Preferences []stores.ChangePayload `json:"preferences"`
	Annotations []stores.ChangePayload `json:"annotations"`
}

// Empty reports whether the request carries no change.
func (r ChangesRequest) Empty() bool {
	return len(r.Notes)+len(r.Preferences)+len(r.Annotations) == 0
}

// ChangesResponse maps every processed key to its new key per change type.
// A nil new key means the backend did not assign another key.
type ChangesResponse map[entity.ChangeType]map[string]*string

// FinalRequest is the body of PUT /final.
type FinalRequest struct {
	Steps      []entity.WritingStep `json:"steps"`
	Content    string               `json:"content"`
	Hash       string               `json:"hash"`
	Authorized bool                 `json:"authorized"`
}

type rawDataPayload struct {
	Settings    json.RawMessage `json:"settings"`
	Task        json.RawMessage `json:"task"`
	Resources   json.RawMessage `json:"resources"`
	Essay       json.RawMessage `json:"essay"`
	Notes       json.RawMessage `json:"notes"`
	Annotations json.RawMessage `json:"annotations"`
	Preferences json.RawMessage `json:"preferences"`
}

func decodeDataPayload(body []byte) (DataPayload, error) {
	var raw rawDataPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return DataPayload{}, fmt.Errorf("%w: data: %v", entity.ErrInvalidPayload, err)
	}

	var payload DataPayload
	var err error
	if present(raw.Settings) {
		if payload.Settings, err = entity.DecodeSettings(raw.Settings); err != nil {
			return DataPayload{}, err
		}
	}
	if present(raw.Task) {
		if payload.Task, err = entity.DecodeTask(raw.Task); err != nil {
			return DataPayload{}, err
		}
	}
	if payload.Resources, err = entity.DecodeResources(raw.Resources); err != nil {
		return DataPayload{}, err
	}
	if payload.Essay, err = entity.DecodeEssayData(raw.Essay); err != nil {
		return DataPayload{}, err
	}
	if payload.Notes, err = entity.DecodeNotes(raw.Notes); err != nil {
		return DataPayload{}, err
	}
	if payload.Annotations, err = entity.DecodeAnnotations(raw.Annotations); err != nil {
		return DataPayload{}, err
	}
	if present(raw.Preferences) {
		preferences, err := entity.DecodePreferences(raw.Preferences)
		if err != nil {
			return DataPayload{}, err
		}
		payload.Preferences = &preferences
	}
	return payload, nil
}

func decodeUpdatePayload(body []byte) (UpdatePayload, error) {
	var raw struct {
		Task   json.RawMessage `json:"task"`
		Alerts json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return UpdatePayload{}, fmt.Errorf("%w: update: %v", entity.ErrInvalidPayload, err)
	}

	var payload UpdatePayload
	var err error
	if present(raw.Task) {
		if payload.Task, err = entity.DecodeTask(raw.Task); err != nil {
			return UpdatePayload{}, err
		}
	}
	if payload.Alerts, err = entity.DecodeAlerts(raw.Alerts); err != nil {
		return UpdatePayload{}, err
	}
	return payload, nil
}

func decodeChangesResponse(body []byte) (ChangesResponse, error) {
	response := ChangesResponse{}
	if !present(body) {
		return response, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: changes: %v", entity.ErrInvalidPayload, err)
	}
	for _, changeType := range entity.ChangeTypes {
		processed, err := decodeProcessedKeys(raw[string(changeType)])
		if err != nil {
			return nil, fmt.Errorf("%w: changes.%s: %v", entity.ErrInvalidPayload, changeType, err)
		}
		response[changeType] = processed
	}
	return response, nil
}

// decodeProcessedKeys accepts an object of old key to new key. An empty list stands for an
// empty object since some backends encode empty maps as lists.
func decodeProcessedKeys(raw json.RawMessage) (map[string]*string, error) {
	processed := map[string]*string{}
	if !present(raw) {
		return processed, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		if len(list) > 0 {
			return nil, fmt.Errorf("expected object, got list of %d items", len(list))
		}
		return processed, nil
	}
	if err := json.Unmarshal(trimmed, &processed); err != nil {
		return nil, err
	}
	return processed, nil
}

// decodeResult reads the optional result object of a write request. Bodies that are not an
// object count as success.
func decodeResult(body []byte) (entity.SendingResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return entity.SendingResult{Success: true}, nil
	}
	return entity.DecodeSendingResult(trimmed)
}

func present(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
