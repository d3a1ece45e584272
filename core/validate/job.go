package validate

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed job.schema.json
var jobSchemaJSON []byte

var (
	jobSchemaOnce sync.Once
	jobSchema     *gojsonschema.Schema
	jobSchemaErr  error
)

// ValidateJobJSON checks a cron job create/replace body against the job
// schema. Every violation is reported, one per error line.
func ValidateJobJSON(data []byte) *ValidationResult {
	r := &ValidationResult{}

	jobSchemaOnce.Do(func() {
		jobSchema, jobSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(jobSchemaJSON))
	})
	if jobSchemaErr != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("loading job schema: %s", jobSchemaErr))
		return r
	}

	result, err := jobSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("invalid JSON: %s", err))
		return r
	}
	for _, e := range result.Errors() {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return r
}
