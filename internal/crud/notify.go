package crud

import (
	"context"
	"sort"

	"github.com/openbrook/crudcast/internal/channel"
	"github.com/openbrook/crudcast/internal/metrics"
	"github.com/openbrook/crudcast/internal/model"
)

// The notify API injects externally-originated writes into the publication
// pipeline: a process that mutated the database behind the engine's back
// calls one of these so subscribers and caches converge anyway.

// NotifyResourceUpdate invalidates and announces an external change to one
// document. Fields, when known, get per-field update notifications without a
// value (the external writer's value is not available here).
func (e *Engine) NotifyResourceUpdate(ctx context.Context, typ, id string, fields []string) error {
	if typ == "" || id == "" {
		return &model.CRUDInvalidParams{Message: "notifyResourceUpdate requires a type and an id"}
	}
	if _, ok := e.schema[typ]; !ok {
		return &model.CRUDInvalidModelType{Type: typ}
	}
	q := model.Query{Type: typ, ID: id}
	e.cache.Clear(q)
	e.transmit(ctx, channel.Resource(typ, id), nil, metrics.KindResource)
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	for _, f := range sorted {
		e.transmit(ctx, channel.Field(typ, id, f), &Payload{Type: "update"}, metrics.KindField)
	}
	return nil
}

// NotifyViewUpdate announces an external change to one view occurrence. The
// operation defaults to "update".
func (e *Engine) NotifyViewUpdate(ctx context.Context, typ, view string, params map[string]any, operation string) error {
	viewSchema, _, ok := e.affect.ResolveView(typ, view)
	if !ok {
		return &model.CRUDInvalidParams{Message: "notifyViewUpdate requires a declared view"}
	}
	if operation == "" {
		operation = "update"
	}
	primary := channel.PrimaryParams(viewSchema, params, e.opts.TypedViewChannelParams)
	e.transmit(ctx, channel.View(view, primary, typ), &Payload{Type: operation}, metrics.KindView)
	return nil
}

// NotifyUpdate replays the full dispatcher against an externally observed
// (old, new) pair: the modified-field set is computed here and every
// resource, field and view publication fires exactly as if the engine had
// performed the write.
func (e *Engine) NotifyUpdate(ctx context.Context, typ string, oldResource, newResource model.Resource) error {
	if _, ok := e.schema[typ]; !ok {
		return &model.CRUDInvalidModelType{Type: typ}
	}
	op := model.ActionUpdate
	switch {
	case oldResource == nil && newResource == nil:
		return &model.CRUDInvalidParams{Message: "notifyUpdate requires an old or new resource"}
	case oldResource == nil:
		op = model.ActionCreate
	case newResource == nil:
		op = model.ActionDelete
	}
	id := newResource.ID()
	if id == "" {
		id = oldResource.ID()
	}
	if id == "" {
		return &model.CRUDInvalidParams{Message: "notifyUpdate requires resources with an id"}
	}
	q := model.Query{Type: typ, ID: id}
	e.cache.Clear(q)
	e.publishWrite(ctx, op, q, oldResource, newResource, nil)
	return nil
}
