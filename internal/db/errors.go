package db

import (
	"regexp"

	"github.com/openbrook/crudcast/internal/model"
)

// Database failures are classified by message because the driver surfaces
// server errors as opaque strings. The two patterns below are stable server
// phrasings; anything else is a generic DatabaseError.
var (
	docMissingPattern   = regexp.MustCompile(`The query did not find a document and returned null`)
	duplicateKeyPattern = regexp.MustCompile("Duplicate primary key `(.*)`")
)

// MapError lifts a driver error into the engine taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if mapped := MapErrorMessage(err.Error()); mapped != nil {
		if _, generic := mapped.(*model.DatabaseError); !generic {
			return mapped
		}
	}
	return &model.DatabaseError{Err: err}
}

// MapErrorMessage classifies a raw error message, as found in a write
// response's first_error.
func MapErrorMessage(message string) error {
	if message == "" {
		return nil
	}
	if docMissingPattern.MatchString(message) {
		return &model.DocumentNotFoundError{}
	}
	if m := duplicateKeyPattern.FindStringSubmatch(message); m != nil {
		return &model.DuplicatePrimaryKeyError{PrimaryKey: m[1]}
	}
	return &model.DatabaseError{Err: errString(message)}
}

type errString string

func (e errString) Error() string { return string(e) }
