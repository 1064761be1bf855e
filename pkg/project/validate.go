package project

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/Interops-io/infrastructure/internal/assets/schemas"
)

// SchemaID is the schema identifier for project manifests.
const SchemaID = "interops/v1.0.0/project-manifest"

var (
	// ErrSchemaNotFound indicates the schema could not be located.
	ErrSchemaNotFound = errors.New("project manifest schema not found")

	// ErrValidationFailed indicates the manifest failed schema validation.
	ErrValidationFailed = errors.New("project manifest validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/deploy/command").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("project manifest validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON data against the project manifest schema.
//
// The schema is embedded at compile time, so validation works in installed
// binaries without schema files on disk. Unknown fields are rejected
// (additionalProperties: false) to catch manifest typos early.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ProjectManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded project-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ProjectManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile project-manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
