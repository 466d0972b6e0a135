package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"isa-warehouse/internal/domain"
)

// validationMode selects which JSON Schema variant a record is checked against.
type validationMode int

const (
	modeCreate validationMode = iota
	modeUpdate
	modeRead
)

// SchemaValidator is the generic domain.ModelValidator for one model. It checks
// records against JSON Schemas compiled from the model's field table.
type SchemaValidator struct {
	model   string
	schemas map[validationMode]*jsonschema.Schema
}

var _ domain.ModelValidator = (*SchemaValidator)(nil)

// Validators maps model name to its validation bundle.
type Validators map[string]domain.ModelValidator

// For returns the validator of model, or domain.ErrUnknownModel.
func (v Validators) For(model string) (domain.ModelValidator, error) {
	mv, ok := v[model]
	if !ok {
		return nil, domain.NewSubSystemError("records", "Validators.For", domain.ErrUnknownModel, model)
	}
	return mv, nil
}

// ValidateModels checks the model table for structural problems.
func ValidateModels(schemas []domain.ModelSchema) error {
	ce := &domain.ConfigurationError{Source: "models"}
	seen := make(map[string]bool, len(schemas))
	for i, m := range schemas {
		if m.Name == "" {
			ce.Addf("models[%d]: name must not be empty", i)
			continue
		}
		if seen[m.Name] {
			ce.Addf("models[%d]: duplicate model name %q", i, m.Name)
		}
		seen[m.Name] = true
		for _, acl := range domain.ACLResources {
			if m.Name == acl {
				ce.Addf("models[%d]: name %q is reserved for access control", i, m.Name)
			}
		}
		for _, name := range m.FieldNames() {
			switch name {
			case domain.IDField, domain.CreatedAtField, domain.UpdatedAtField:
				ce.Addf("model %q: field %q is reserved", m.Name, name)
				continue
			}
			if !domain.IsValidFieldKind(string(m.Fields[name].Kind)) {
				ce.Addf("model %q: field %q kind %q is invalid (want: string, integer, number, boolean)",
					m.Name, name, m.Fields[name].Kind)
			}
		}
	}
	return ce.OrNil()
}

// NewValidators builds one SchemaValidator per model.
func NewValidators(schemas []domain.ModelSchema) (Validators, error) {
	if err := ValidateModels(schemas); err != nil {
		return nil, err
	}
	out := make(Validators, len(schemas))
	for _, m := range schemas {
		sv, err := newSchemaValidator(m)
		if err != nil {
			return nil, err
		}
		out[m.Name] = sv
	}
	return out, nil
}

func newSchemaValidator(m domain.ModelSchema) (*SchemaValidator, error) {
	sv := &SchemaValidator{model: m.Name, schemas: make(map[validationMode]*jsonschema.Schema, 3)}
	for _, mode := range []validationMode{modeCreate, modeUpdate, modeRead} {
		raw, err := json.Marshal(buildSchema(m, mode))
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", m.Name, err)
		}
		compiled, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			ce := &domain.ConfigurationError{Source: "models"}
			ce.Addf("model %q: schema does not compile: %v", m.Name, err)
			return nil, ce
		}
		sv.schemas[mode] = compiled
	}
	return sv, nil
}

// buildSchema renders the field table as a JSON Schema document.
func buildSchema(m domain.ModelSchema, mode validationMode) map[string]any {
	props := map[string]any{
		domain.IDField: map[string]any{"type": "string", "minLength": 1},
	}
	var required []string
	for _, name := range m.FieldNames() {
		fc := m.Fields[name]
		if fc.Nullable {
			props[name] = map[string]any{"type": []string{string(fc.Kind), "null"}}
		} else {
			props[name] = map[string]any{"type": string(fc.Kind)}
			if mode == modeCreate {
				required = append(required, name)
			}
		}
	}
	if mode == modeUpdate {
		required = []string{domain.IDField}
	}

	schema := map[string]any{
		"title":                m.Name,
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateForCreate checks a new record: all non-nullable fields present, no unknown fields.
func (v *SchemaValidator) ValidateForCreate(_ context.Context, rec domain.Record) error {
	return v.check(modeCreate, "ValidateForCreate", rec)
}

// ValidateForUpdate checks a partial record: id present, given fields well typed.
func (v *SchemaValidator) ValidateForUpdate(_ context.Context, rec domain.Record) error {
	return v.check(modeUpdate, "ValidateForUpdate", rec)
}

// ValidateForDelete always succeeds; deletes carry no referential checks.
func (v *SchemaValidator) ValidateForDelete(_ context.Context, _ string) error {
	return nil
}

// ValidateAfterRead checks that stored data still conforms to the field table.
func (v *SchemaValidator) ValidateAfterRead(_ context.Context, rec domain.Record) error {
	return v.check(modeRead, "ValidateAfterRead", rec)
}

func (v *SchemaValidator) check(mode validationMode, op string, rec domain.Record) error {
	result := v.schemas[mode].Validate(map[string]any(rec))
	if !result.IsValid() {
		return domain.NewSubSystemError("records", v.model+"."+op, domain.ErrInvalidInput, describe(result))
	}
	return nil
}

// describe flattens a failed evaluation into "path: message" pairs ordered by
// path.
func describe(result *jsonschema.EvaluationResult) string {
	detailed := result.DetailedErrors()
	if len(detailed) == 0 {
		return result.Error()
	}
	parts := make([]string, 0, len(detailed))
	for _, path := range slices.Sorted(maps.Keys(detailed)) {
		parts = append(parts, path+": "+detailed[path])
	}
	return strings.Join(parts, "; ")
}
