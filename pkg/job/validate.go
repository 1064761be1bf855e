package job

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/Interops-io/infrastructure/internal/assets/schemas"
)

// Cached validator instance (compiled once from embedded schema)
var (
	schemaOnce sync.Once
	schemaVal  *schema.Validator
	schemaErr  error
)

// ValidateSchemaRaw checks raw JSON data against the job record schema.
//
// Producers call this before writing a record to the queue; the structural
// Validate method covers semantic rules the schema cannot express (status
// machine, ref/branch consistency). Readers skip it so additive fields from
// newer producers pass through untouched.
func ValidateSchemaRaw(jsonData []byte) error {
	v, err := getSchemaValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var issues []string
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			if d.Pointer != "" {
				issues = append(issues, fmt.Sprintf("%s: %s", d.Pointer, d.Message))
			} else {
				issues = append(issues, d.Message)
			}
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(issues, "; "))
}

func getSchemaValidator() (*schema.Validator, error) {
	schemaOnce.Do(func() {
		if len(schemasassets.JobRecordSchema) == 0 {
			schemaErr = fmt.Errorf("embedded job-record schema is empty")
			return
		}
		schemaVal, schemaErr = schema.NewValidator(schemasassets.JobRecordSchema)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile job-record schema: %w", schemaErr)
		}
	})
	return schemaVal, schemaErr
}
