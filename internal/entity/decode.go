package entity

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBaseURL = "https://writer-agent.invalid/schemas/"

var (
	// ErrInvalidPayload indicates that an untyped payload does not satisfy the schema of an entity.
	ErrInvalidPayload = errors.New("entity: invalid payload")
	// ErrUnknownSchema indicates a decoder asked for a schema that is not embedded.
	ErrUnknownSchema = errors.New("entity: unknown schema")
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindRaw
)

// fieldKinds lists the accepted fields of an entity and the type they are coerced to.
type fieldKinds map[string]fieldKind

var (
	schemaOnce    sync.Once
	schemaIndex   map[string]*jsonschema.Schema
	schemaLoadErr error
)

func loadSchemas() {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		schemaLoadErr = err
		return
	}

	compiler := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		content, err := schemaFiles.ReadFile("schemas/" + entry.Name())
		if err != nil {
			schemaLoadErr = err
			return
		}
		document, err := jsonschema.UnmarshalJSON(bytes.NewReader(content))
		if err != nil {
			schemaLoadErr = fmt.Errorf("schema %s: %w", entry.Name(), err)
			return
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), document); err != nil {
			schemaLoadErr = fmt.Errorf("schema %s: %w", entry.Name(), err)
			return
		}
		names = append(names, entry.Name())
	}

	index := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		compiled, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			schemaLoadErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		index[strings.TrimSuffix(name, ".json")] = compiled
	}
	schemaIndex = index
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	schemaOnce.Do(loadSchemas)
	if schemaLoadErr != nil {
		return nil, schemaLoadErr
	}
	schema, ok := schemaIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	return schema, nil
}

// decodeObject validates raw against the named schema, coerces the known fields and
// unmarshals them into dest. Missing or null fields keep the values already present in dest.
func decodeObject(schemaName string, raw []byte, kinds fieldKinds, dest any) error {
	schema, err := schemaFor(schemaName)
	if err != nil {
		return err
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, schemaName, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, schemaName, err)
	}
	object, ok := instance.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s: expected object", ErrInvalidPayload, schemaName)
	}

	normalized := make(map[string]any, len(kinds))
	for field, kind := range kinds {
		value, present := object[field]
		if !present || value == nil {
			continue
		}
		coerced, err := coerce(value, kind)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidPayload, schemaName, field, err)
		}
		normalized[field] = coerced
	}

	encoded, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, schemaName, err)
	}
	if err := json.Unmarshal(encoded, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, schemaName, err)
	}
	return nil
}

// decodeList decodes a JSON array item by item. A null or empty payload yields an empty list.
func decodeList[T any](raw []byte, decodeItem func([]byte) (T, error)) ([]T, error) {
	if isNull(raw) {
		return []T{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: expected list: %v", ErrInvalidPayload, err)
	}
	decoded := make([]T, 0, len(items))
	for index, item := range items {
		value, err := decodeItem(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", index, err)
		}
		decoded = append(decoded, value)
	}
	return decoded, nil
}

func isNull(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func coerce(value any, kind fieldKind) (any, error) {
	switch kind {
	case kindString:
		switch typed := value.(type) {
		case string:
			return typed, nil
		case json.Number:
			return typed.String(), nil
		case bool:
			return strconv.FormatBool(typed), nil
		}
	case kindInt:
		switch typed := value.(type) {
		case json.Number:
			parsed, err := parseInteger(typed.String())
			return parsed, err
		case string:
			parsed, err := parseInteger(typed)
			return parsed, err
		case bool:
			if typed {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case kindFloat:
		switch typed := value.(type) {
		case json.Number:
			parsed, err := typed.Float64()
			return parsed, err
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
			return parsed, err
		}
	case kindBool:
		switch typed := value.(type) {
		case bool:
			return typed, nil
		case json.Number:
			parsed, err := typed.Float64()
			return parsed != 0, err
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(typed)); err == nil {
				return parsed, nil
			}
			return typed != "", nil
		}
	case kindRaw:
		return value, nil
	}
	return nil, fmt.Errorf("unexpected %T", value)
}

// parseInteger accepts integral and fractional numerals and truncates the latter.
func parseInteger(text string) (int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, nil
	}
	if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return parsed, nil
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, fmt.Errorf("not an integer: %q", text)
	}
	return int64(math.Trunc(parsed)), nil
}
