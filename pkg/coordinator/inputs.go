package coordinator

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/dukex/flowd/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrMissingInput = errors.New("missing required input")
	ErrInvalidInput = errors.New("invalid input")
)

// resolveInputs applies the input defaults of a flow and checks required inputs and
// their JSON schemas. Inputs the flow does not declare are kept.
func resolveInputs(flow *models.Flow, inputs map[string]any) (map[string]any, error) {
	resolved := maps.Clone(inputs)
	if resolved == nil {
		resolved = map[string]any{}
	}

	var errs []error

	for _, input := range flow.Inputs {
		value, ok := resolved[input.ID]
		if !ok || value == nil {
			if input.Defaults != nil {
				resolved[input.ID] = input.Defaults
				value, ok = input.Defaults, true
			}
		}

		if !ok || value == nil {
			if input.Required {
				errs = append(errs, fmt.Errorf("%w %s", ErrMissingInput, input.ID))
			}

			continue
		}

		if len(input.Schema) == 0 {
			continue
		}

		err := validateSchema(value, input.Schema)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %s: %w", ErrInvalidInput, input.ID, err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return resolved, nil
}

func validateSchema(value any, schema map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			messages = append(messages, resultError.String())
		}

		return fmt.Errorf("JSON schema validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
