package wire

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://bouncelink.local/schemas/"

var schemaFiles = map[string]string{
	TaskNew:              "task.json",
	TaskAssigned:         "task.json",
	TaskUpdated:          "task.json",
	TaskClaimed:          "task.json",
	TaskCompleted:        "task.json",
	TaskCancelled:        "task.json",
	NotificationNew:      "notification.json",
	NotificationSystem:   "notification.json",
	NotificationPersonal: "notification.json",
	NotificationUpdate:   "notification_update.json",
	ConnectError:         "connect_error.json",
}

// Validator checks inbound payloads against the embedded schemas.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}

	compiled := map[string]*jsonschema.Schema{}
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for eventType, file := range schemaFiles {
		sch, ok := compiled[file]
		if !ok {
			sch, err = c.Compile(schemaBaseURL + file)
			if err != nil {
				return nil, fmt.Errorf("compile %s: %w", file, err)
			}
			compiled[file] = sch
		}
		v.byType[eventType] = sch
	}
	return v, nil
}

// MustValidator is NewValidator for callers that treat a broken embedded
// schema as a programming error.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate reports whether raw satisfies the schema for eventType. Types
// without a schema always pass; an absent body is validated as {}.
func (v *Validator) Validate(eventType string, raw json.RawMessage) error {
	if v == nil {
		return nil
	}
	sch, ok := v.byType[eventType]
	if !ok {
		return nil
	}
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
