package validate

import (
	"fmt"

	"github.com/openbrook/crudcast/internal/model"
)

var allowedActions = map[string]struct{}{
	model.ActionCreate:    {},
	model.ActionRead:      {},
	model.ActionUpdate:    {},
	model.ActionDelete:    {},
	model.ActionSubscribe: {},
}

// Query checks a query's structure against the schema before any operation
// touches the database. The returned error is one of the crud error types.
func Query(q *model.Query, schema model.Schema) error {
	if q == nil {
		return &model.CRUDInvalidParams{Message: "query must be an object"}
	}
	if q.Type == "" {
		return &model.CRUDInvalidParams{Message: "query did not specify a type"}
	}
	ms, ok := schema[q.Type]
	if !ok {
		return &model.CRUDInvalidModelType{Type: q.Type}
	}
	if _, ok := allowedActions[q.Action]; !ok {
		return &model.CRUDInvalidOperation{Action: q.Action}
	}
	if q.Field != "" && q.ID == "" {
		return &model.CRUDInvalidParams{Message: "a field query must also specify an id"}
	}
	if q.Offset < 0 {
		return &model.CRUDInvalidParams{Message: "offset must not be negative"}
	}
	if q.PageSize != nil && *q.PageSize < 0 {
		return &model.CRUDInvalidParams{Message: "pageSize must not be negative"}
	}
	if q.View != "" {
		view, ok := ms.Views[q.View]
		if !ok {
			return &model.CRUDInvalidParams{
				Message: fmt.Sprintf("the %q view is not declared on the %q model", q.View, q.Type),
			}
		}
		if len(view.ParamFields) > 0 || len(view.PrimaryFields) > 0 {
			if q.ViewParams == nil {
				return &model.CRUDInvalidParams{
					Message: fmt.Sprintf("the %q view requires viewParams", q.View),
				}
			}
			for _, f := range view.PrimaryFields {
				if v, ok := q.ViewParams[f]; !ok || v == nil {
					return &model.CRUDInvalidParams{
						Message: fmt.Sprintf("viewParams is missing the primary field %q required by the %q view", f, q.View),
					}
				}
			}
		}
	}
	return nil
}
