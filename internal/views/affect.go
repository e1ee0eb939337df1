// Package views maps field-level mutations to the set of affected view
// channels, including views addressed under a foreign model's namespace, and
// builds the rethink query for parameterised view reads.
package views

import (
	"reflect"

	"github.com/openbrook/crudcast/internal/model"
)

// foreignDecl is one compiled cross-model view dependency: a view declared on
// a model, addressed under parentModel's channel namespace.
type foreignDecl struct {
	paramFields     []string
	affectingFields []string
}

// Engine answers affected-view queries. Both indices are derived once at
// construction and read-only afterwards; the schema graph's model↔model
// back-references are flattened here so the schema itself stays a tree.
type Engine struct {
	schema model.Schema

	// foreignViews: written model -> parent model -> view name -> decl.
	foreignViews map[string]map[string]map[string]foreignDecl
	// typeRelations: written model -> target model -> field -> mapping fn.
	typeRelations map[string]map[string]map[string]model.RelationFunc
}

func NewEngine(schema model.Schema) *Engine {
	e := &Engine{
		schema:        schema,
		foreignViews:  map[string]map[string]map[string]foreignDecl{},
		typeRelations: map[string]map[string]map[string]model.RelationFunc{},
	}
	for typeName, ms := range schema {
		for viewName, view := range ms.Views {
			for parentModel, affecting := range view.ForeignAffectingFields {
				byParent, ok := e.foreignViews[typeName]
				if !ok {
					byParent = map[string]map[string]foreignDecl{}
					e.foreignViews[typeName] = byParent
				}
				byView, ok := byParent[parentModel]
				if !ok {
					byView = map[string]foreignDecl{}
					byParent[parentModel] = byView
				}
				byView[viewName] = foreignDecl{
					paramFields:     view.ParamFields,
					affectingFields: affecting,
				}
			}
		}
		for targetModel, byField := range ms.Relations {
			byTarget, ok := e.typeRelations[typeName]
			if !ok {
				byTarget = map[string]map[string]model.RelationFunc{}
				e.typeRelations[typeName] = byTarget
			}
			byTarget[targetModel] = byField
		}
	}
	return e
}

// AffectedViewsQuery asks which views a resource state can belong to.
type AffectedViewsQuery struct {
	Type     string
	Resource model.Resource
	// Fields, when non-nil, restricts the answer to views that at least one
	// of the modified fields can influence.
	Fields []string
}

// GetAffectedViews enumerates view-data tuples for a resource state: every
// view declared on the written model, plus one per compiled foreign
// dependency addressed under the parent model. Field values are read through
// the relation function for the (type, targetType, field) triple when one is
// declared, raw off the resource otherwise.
func (e *Engine) GetAffectedViews(q AffectedViewsQuery) []model.ViewData {
	ms, ok := e.schema[q.Type]
	if !ok {
		return nil
	}
	var out []model.ViewData

	for viewName, view := range ms.Views {
		vd, ok := e.buildViewData(q, viewName, q.Type, view.ParamFields, view.AffectingFields)
		if ok {
			out = append(out, vd)
		}
	}
	for parentModel, byView := range e.foreignViews[q.Type] {
		for viewName, decl := range byView {
			vd, ok := e.buildViewData(q, viewName, parentModel, decl.paramFields, decl.affectingFields)
			if ok {
				out = append(out, vd)
			}
		}
	}
	return out
}

func (e *Engine) buildViewData(q AffectedViewsQuery, viewName, targetType string, paramFields, affectingFields []string) (model.ViewData, bool) {
	if q.Fields != nil && !e.viewTouched(q.Type, targetType, paramFields, affectingFields, q.Fields) {
		return model.ViewData{}, false
	}
	relations := e.typeRelations[q.Type][targetType]
	readField := func(field string) any {
		if fn, ok := relations[field]; ok {
			return fn(q.Resource)
		}
		return q.Resource[field]
	}
	params := map[string]any{}
	affecting := map[string]any{}
	for _, f := range paramFields {
		v := readField(f)
		params[f] = v
		affecting[f] = v
	}
	for _, f := range affectingFields {
		affecting[f] = readField(f)
	}
	return model.ViewData{
		View:          viewName,
		Type:          targetType,
		Params:        params,
		AffectingData: affecting,
	}, true
}

// viewTouched gates a candidate on the modified-field list: the id, any
// param field or any affecting field. A field resolved through a relation
// depends on the whole source resource, so a declared relation keeps the
// candidate in play regardless of which source fields changed.
func (e *Engine) viewTouched(typ, targetType string, paramFields, affectingFields, modified []string) bool {
	relations := e.typeRelations[typ][targetType]
	interesting := map[string]struct{}{"id": {}}
	for _, f := range paramFields {
		if _, ok := relations[f]; ok {
			return true
		}
		interesting[f] = struct{}{}
	}
	for _, f := range affectingFields {
		if _, ok := relations[f]; ok {
			return true
		}
		interesting[f] = struct{}{}
	}
	for _, f := range modified {
		if _, ok := interesting[f]; ok {
			return true
		}
	}
	return false
}

// GetModifiedResourceFields diffs two resource states over the union of
// their keys.
func GetModifiedResourceFields(oldResource, newResource model.Resource) map[string]model.FieldDiff {
	out := map[string]model.FieldDiff{}
	seen := map[string]struct{}{}
	for k, before := range oldResource {
		seen[k] = struct{}{}
		after, ok := newResource[k]
		if !ok || !valueEqual(before, after) {
			out[k] = model.FieldDiff{Before: before, After: after}
		}
	}
	for k, after := range newResource {
		if _, ok := seen[k]; ok {
			continue
		}
		out[k] = model.FieldDiff{Before: nil, After: after}
	}
	return out
}

// valueEqual compares field values. Primitives compare by value; composite
// values fall back to deep equality since Go has no identity semantics for
// decoded JSON.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta.Comparable() && tb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
