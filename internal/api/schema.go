package api

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tutu-network/conductor/internal/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Request body schemas, compiled once.
var (
	applicationSchema = mustSchema("application.json")
	taskSchema        = mustSchema("task.json")
	jobSchema         = mustSchema("job.json")
)

func mustSchema(name string) *gojsonschema.Schema {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("api: read schema %s: %v", name, err))
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("api: compile schema %s: %v", name, err))
	}
	return s
}

// validateBody checks body against schema. Violations are reported as one
// invalid-argument error listing every failing field.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: body is not valid JSON: %v", domain.ErrInvalidArgument, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, strings.Join(msgs, "; "))
}
