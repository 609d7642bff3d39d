// Package schema validates service payloads against JSON Schema documents.
// A compiled validator plugs into the dispatch pipeline as middleware:
// create and update bodies (and patch bodies when opted in) must satisfy
// the schema or the request fails with a 400 carrying the validation
// output.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/GoCodeAlone/plume"
)

const resourceName = "schema.json"

// Validator wraps a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile builds a validator from a JSON Schema document.
func Compile(document string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(document)))
	if err != nil {
		return nil, fmt.Errorf("parsing schema document: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// MustCompile is Compile for statically known documents; it panics on error.
func MustCompile(document string) *Validator {
	v, err := Compile(document)
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return v
}

// CompileFile builds a validator from a JSON Schema document on disk.
func CompileFile(path string) (*Validator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	return Compile(string(raw))
}

// Validate checks one payload against the schema. Slice payloads validate
// element-wise, matching bulk creates. The returned error is a 400 whose
// data carries the schema's basic output for the transport to serialize.
func (v *Validator) Validate(data any) error {
	if items, ok := data.([]any); ok {
		for i, item := range items {
			if err := v.validateOne(item); err != nil {
				var werr *plume.Error
				if errors.As(err, &werr) {
					return werr.WithData(map[string]any{
						"index":  i,
						"output": werr.Data,
					})
				}
				return err
			}
		}
		return nil
	}
	return v.validateOne(data)
}

func (v *Validator) validateOne(data any) error {
	value, err := toJSONValue(data)
	if err != nil {
		return plume.NewBadRequest(fmt.Sprintf("payload not serializable: %v", err))
	}
	if err := v.schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return plume.NewBadRequest("payload failed schema validation").WithData(ve.BasicOutput())
		}
		return plume.NewBadRequest(err.Error())
	}
	return nil
}

// Middleware validates request data for the given methods before the
// service runs. With no methods it guards create and update; include
// plume.MethodPatch only when the schema marks every field optional.
func (v *Validator) Middleware(methods ...plume.Method) plume.Middleware {
	if len(methods) == 0 {
		methods = []plume.Method{plume.MethodCreate, plume.MethodUpdate}
	}
	guarded := make(map[plume.Method]struct{}, len(methods))
	for _, m := range methods {
		guarded[m] = struct{}{}
	}

	return func(next plume.Handler) plume.Handler {
		return func(ctx context.Context, req *plume.Request) (any, error) {
			if _, ok := guarded[req.Method]; ok {
				if err := v.Validate(req.Data); err != nil {
					return nil, err
				}
			}
			return next(ctx, req)
		}
	}
}

// toJSONValue normalizes a payload to the decoded-JSON shape the schema
// library validates. Values coming off a transport already are; internal
// callers may pass structs, which round-trip through encoding/json.
func toJSONValue(data any) (any, error) {
	switch data.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
