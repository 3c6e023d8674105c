package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads, schema-checks, and decodes fleet configuration. A
// document passes three gates in order: the fleet CUE schema over the
// raw YAML, struct tag rules over the decoded types, and the
// cross-reference checks.
type Loader struct {
	registry  *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	return &Loader{
		registry:  NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// SchemaRegistry returns the loader's schema registry.
func (l *Loader) SchemaRegistry() *SchemaRegistry {
	return l.registry
}

// Load reads and parses the fleet configuration at path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.Parse(ctx, data, path)
}

// Parse validates and decodes one fleet configuration document.
// Validation failures come back as ValidationErrors so callers can
// report every problem at once.
func (l *Loader) Parse(ctx context.Context, data []byte, source string) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationErrors{{
			File:     source,
			Message:  fmt.Sprintf("failed to parse YAML: %v", err),
			Severity: "error",
		}}
	}
	pruneNulls(raw)

	if err := l.registry.ValidateFleet(ctx, raw); err != nil {
		return nil, cueValidationErrors(err, source)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ValidationErrors{{
			File:     source,
			Message:  fmt.Sprintf("failed to decode config: %v", err),
			Severity: "error",
		}}
	}

	if err := l.validator.Struct(&cfg); err != nil {
		return nil, structValidationErrors(err, source)
	}

	if ves := cfg.CrossCheck(); len(ves) > 0 {
		for i := range ves {
			if ves[i].File == "" {
				ves[i].File = source
			}
		}
		return nil, ves
	}

	return &cfg, nil
}

// pruneNulls removes keys with null values so empty YAML sections do
// not conflict with optional schema fields.
func pruneNulls(m map[string]interface{}) {
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			delete(m, k)
		case map[string]interface{}:
			pruneNulls(val)
		case []interface{}:
			for _, item := range val {
				if sub, ok := item.(map[string]interface{}); ok {
					pruneNulls(sub)
				}
			}
		}
	}
}

// cueValidationErrors converts a CUE validation failure into one
// ValidationError per underlying problem, with the config path attached.
func cueValidationErrors(err error, source string) ValidationErrors {
	var cerr cueerrors.Error
	if !stderrors.As(err, &cerr) {
		return ValidationErrors{{File: source, Message: err.Error(), Severity: "error"}}
	}

	var ves ValidationErrors
	for _, e := range cueerrors.Errors(cerr) {
		format, args := e.Msg()
		ves = append(ves, ValidationError{
			File:     source,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}
	if len(ves) == 0 {
		ves = append(ves, ValidationError{File: source, Message: err.Error(), Severity: "error"})
	}
	return ves
}

// structValidationErrors converts validator field errors into
// ValidationErrors keyed by struct namespace.
func structValidationErrors(err error, source string) ValidationErrors {
	var ferrs validator.ValidationErrors
	if !stderrors.As(err, &ferrs) {
		return ValidationErrors{{File: source, Message: err.Error(), Severity: "error"}}
	}

	ves := make(ValidationErrors, 0, len(ferrs))
	for _, fe := range ferrs {
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		ves = append(ves, ValidationError{
			File:     source,
			Path:     fe.Namespace(),
			Message:  msg,
			Severity: "error",
		})
	}
	return ves
}
