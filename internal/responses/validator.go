// Package responses validates scoring backend payloads before they reach consumers.
package responses

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"geoquery/internal/domain"
)

// analysisSchema only checks the required top-level substructures. Nested
// fields are not validated; consumers tolerate partial data.
var analysisSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"citationAnalysis", "knowledgeGraph"},
	"properties": map[string]interface{}{
		"citationAnalysis": map[string]interface{}{"type": "object"},
		"knowledgeGraph":   map[string]interface{}{"type": "object"},
	},
}

// Validator checks analysis payloads against the structural schema
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the analysis schema
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(analysisSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// MustNewValidator is like NewValidator but panics on error. The schema is
// static, so this only fails on programmer error.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks payload and decodes it. Any structural problem is a
// retryable ValidationFailure.
func (v *Validator) Validate(payload []byte) (*domain.AnalysisResult, error) {
	if len(payload) == 0 {
		return nil, domain.NewValidationError(errors.New("empty response body"))
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, domain.NewValidationError(fmt.Errorf("response is not valid JSON: %w", err))
	}

	if !result.Valid() {
		var errs []string
		for _, resultErr := range result.Errors() {
			errs = append(errs, resultErr.String())
		}
		return nil, domain.NewValidationError(fmt.Errorf("response does not match schema: %s", strings.Join(errs, "; ")))
	}

	var analysis domain.AnalysisResult
	if err := json.Unmarshal(payload, &analysis); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, domain.NewValidationError(fmt.Errorf("failed to decode response: %w", err))
		}
		// Nested type mismatches leave the field zero; decoding continues past them.
		slog.Debug("Analysis payload has mistyped nested field",
			"field", typeErr.Field,
			"value", typeErr.Value)
	}

	if analysis.CitationAnalysis == nil || analysis.KnowledgeGraph == nil {
		return nil, domain.NewValidationError(errors.New("required substructure missing after decode"))
	}

	return &analysis, nil
}
