package validate

import (
	"github.com/openbrook/crudcast/internal/model"
)

// DefaultMaxErrorCount bounds how many field errors a model validator
// accumulates before aggregating them.
const DefaultMaxErrorCount = 100

// ModelValidatorOptions tunes a model validator.
type ModelValidatorOptions struct {
	MaxErrorCount int
}

// ModelValidator validates a record against one model's field constraints
// and returns a sanitized copy. With allowPartial, only fields present in the
// record are checked; otherwise every declared field is. Fields not declared
// in the schema are errors either way. Errors accumulate up to the error cap
// and aggregate into one CRUDValidationError unless throwImmediate is set.
type ModelValidator func(record model.Resource, allowPartial, throwImmediate bool) (model.Resource, error)

// BuildModelValidator compiles the validator for one model.
func BuildModelValidator(modelName string, fields map[string]model.Constraint, opts ModelValidatorOptions) ModelValidator {
	maxErrors := opts.MaxErrorCount
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrorCount
	}

	return func(record model.Resource, allowPartial, throwImmediate bool) (model.Resource, error) {
		var fieldErrors []model.FieldError
		fail := func(field, message string) *model.CRUDValidationError {
			fe := model.FieldError{Model: modelName, Field: field, Message: message}
			if throwImmediate {
				return &model.CRUDValidationError{
					Model:       modelName,
					Field:       field,
					FieldErrors: []model.FieldError{fe},
				}
			}
			if len(fieldErrors) < maxErrors {
				fieldErrors = append(fieldErrors, fe)
			}
			return nil
		}

		sanitized := make(model.Resource, len(record))

		// Unknown fields are errors in both modes.
		for field := range record {
			if _, ok := fields[field]; !ok {
				if err := fail(field, "field is not declared in the schema"); err != nil {
					return nil, err
				}
			}
		}

		validateField := func(field string, constraint model.Constraint, value any, present bool) error {
			if !present {
				if constraint.IsRequired() {
					return errOrNil(fail(field, "field is required"))
				}
				return nil
			}
			out, err := constraint.Apply(value)
			if err != nil {
				return errOrNil(fail(field, err.Error()))
			}
			sanitized[field] = out
			return nil
		}

		if allowPartial {
			for field, value := range record {
				constraint, ok := fields[field]
				if !ok {
					continue // already reported above
				}
				if err := validateField(field, constraint, value, true); err != nil {
					return nil, err
				}
			}
		} else {
			for field, constraint := range fields {
				value, present := record[field]
				if err := validateField(field, constraint, value, present); err != nil {
					return nil, err
				}
			}
		}

		if len(fieldErrors) > 0 {
			agg := &model.CRUDValidationError{Model: modelName, FieldErrors: fieldErrors}
			if len(fieldErrors) == 1 {
				agg.Field = fieldErrors[0].Field
			}
			return nil, agg
		}
		return sanitized, nil
	}
}

func errOrNil(err *model.CRUDValidationError) error {
	if err == nil {
		return nil
	}
	return err
}
