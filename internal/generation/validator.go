package generation

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/genbot/backend/internal/models"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// Validator checks generation parameters against the per-kind JSON schema.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded parameter schemas for every job kind.
func NewValidator() (*Validator, error) {
	schemas := make(map[string]*jsonschema.Schema)
	for _, kind := range []string{models.JobKindImage, models.JobKindVideo} {
		data, err := embeddedSchemas.ReadFile("schemas/" + kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", kind, err)
		}
		id := "https://genbot.dev/schemas/" + kind + ".params"
		schemas[kind], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate performs a hard reject of raw parameters that do not match the
// kind's schema and returns them decoded.
func (v *Validator) Validate(kind string, raw json.RawMessage) (Params, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return Params{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, kind)
	}
	if len(raw) == 0 {
		return Params{}, fmt.Errorf("%w: parameters are required", ErrInvalidParams)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Params{}, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidParams, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return Params{}, fmt.Errorf("%w: prompt is blank", ErrInvalidParams)
	}
	return p, nil
}

// Kinds lists the kinds the validator knows about.
func (v *Validator) Kinds() []string {
	return []string{models.JobKindImage, models.JobKindVideo}
}
