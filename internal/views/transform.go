package views

import (
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/openbrook/crudcast/internal/model"
)

// ResolveView finds the declaration for a view addressed under typ. Own
// views resolve directly; a view compiled into the foreign index under
// parent model typ resolves to its declaring model, which is where
// collection reads must fetch from. The second return is that declaring
// model name.
func (e *Engine) ResolveView(typ, viewName string) (model.ViewSchema, string, bool) {
	if ms, ok := e.schema[typ]; ok {
		if view, ok := ms.Views[viewName]; ok {
			return view, typ, true
		}
	}
	for declaringType, byParent := range e.foreignViews {
		byView, ok := byParent[typ]
		if !ok {
			continue
		}
		if _, ok := byView[viewName]; ok {
			return e.schema[declaringType].Views[viewName], declaringType, true
		}
	}
	return model.ViewSchema{}, "", false
}

// SanitizeViewParams reduces caller params to the view's declared
// paramFields, filling missing ones with null so transforms see a stable
// shape.
func SanitizeViewParams(view model.ViewSchema, params map[string]any) map[string]any {
	out := make(map[string]any, len(view.ParamFields))
	for _, f := range view.ParamFields {
		if v, ok := params[f]; ok {
			out[f] = v
		} else {
			out[f] = nil
		}
	}
	return out
}

// ApplyTransform composes the view's transform onto a base table term. A
// view without a transform reads the base table unchanged.
func ApplyTransform(base r.Term, view model.ViewSchema, params map[string]any) r.Term {
	if view.Transform == nil {
		return base
	}
	return view.Transform(base, SanitizeViewParams(view, params))
}
