package crud

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/openbrook/crudcast/internal/channel"
	"github.com/openbrook/crudcast/internal/metrics"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/views"
)

// Payload is the wire shape of field and view publications. Resource
// channels publish with no payload at all.
type Payload struct {
	Type              string `json:"type"`
	Value             any    `json:"value,omitempty"`
	PublisherSocketID string `json:"publisherSocketId,omitempty"`
	PublisherID       string `json:"publisherId,omitempty"`
}

// nullParamSentinel routes null multi-param values; subscribers watching the
// "unset" variant use it in their channel params.
const nullParamSentinel = "false"

// publishWrite routes one completed write to its channel publications.
// Ordering is observable and load-bearing: resource channel first, then
// field channels, then view channels, so clients see "resource invalidated"
// before "field updated".
func (e *Engine) publishWrite(ctx context.Context, op string, q model.Query, oldResource, newResource model.Resource, sock model.SocketInfo) {
	e.transmit(ctx, channel.Resource(q.Type, q.ID), nil, metrics.KindResource)

	var modifiedFields []string
	switch op {
	case model.ActionUpdate:
		modified := views.GetModifiedResourceFields(oldResource, newResource)
		modifiedFields = make([]string, 0, len(modified))
		for f := range modified {
			modifiedFields = append(modifiedFields, f)
		}
		sort.Strings(modifiedFields)
		for _, f := range modifiedFields {
			e.publishField(ctx, q, f, "update", modified[f].After, true, sock)
		}
	case model.ActionDelete:
		fields := make([]string, 0, len(e.schema[q.Type].Fields))
		for f := range e.schema[q.Type].Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			e.publishField(ctx, q, f, "delete", nil, false, sock)
		}
	}

	e.publishViewTransitions(ctx, op, q, oldResource, newResource, modifiedFields, sock)
}

// publishFieldDelete handles the field-removal delete shape: the single
// field channel plus view transitions computed from the pre-delete snapshot.
func (e *Engine) publishFieldDelete(ctx context.Context, q model.Query, oldResource, withoutField model.Resource, sock model.SocketInfo) {
	e.transmit(ctx, channel.Resource(q.Type, q.ID), nil, metrics.KindResource)
	e.publishField(ctx, q, q.Field, "delete", nil, false, sock)
	e.publishViewTransitions(ctx, model.ActionUpdate, q, oldResource, withoutField, []string{q.Field}, sock)
}

func (e *Engine) publishField(ctx context.Context, q model.Query, field, pubType string, value any, withValue bool, sock model.SocketInfo) {
	payload := &Payload{Type: pubType, PublisherID: q.PublisherID}
	if sock != nil {
		payload.PublisherSocketID = sock.ID()
	}
	if withValue {
		if !publishable(value) {
			// Opaque values (predicates, functions) publish name-only.
			e.transmit(ctx, channel.Field(q.Type, q.ID, field), nil, metrics.KindField)
			return
		}
		payload.Value = value
	}
	e.transmit(ctx, channel.Field(q.Type, q.ID, field), payload, metrics.KindField)
}

// viewKey identifies a view occurrence across the old/new affect sets.
func viewKey(vd model.ViewData) string { return vd.View + ":" + vd.Type }

// publishViewTransitions dispatches view-channel publications for one write:
// creates on every new-state view, deletes on every old-state view, and for
// updates a membership transition per view (both channels when the routing
// params moved, one when only affecting data changed).
func (e *Engine) publishViewTransitions(ctx context.Context, op string, q model.Query, oldResource, newResource model.Resource, modifiedFields []string, sock model.SocketInfo) {
	budget := e.opts.MaxMultiPublish

	switch op {
	case model.ActionCreate:
		for _, vd := range e.affect.GetAffectedViews(views.AffectedViewsQuery{Type: q.Type, Resource: newResource}) {
			e.publishViewWithVariants(ctx, vd, "create", q.ID, nil, &budget)
		}
	case model.ActionDelete:
		for _, vd := range e.affect.GetAffectedViews(views.AffectedViewsQuery{Type: q.Type, Resource: oldResource}) {
			e.publishViewWithVariants(ctx, vd, "delete", q.ID, nil, &budget)
		}
	case model.ActionUpdate:
		oldViews := map[string]model.ViewData{}
		for _, vd := range e.affect.GetAffectedViews(views.AffectedViewsQuery{Type: q.Type, Resource: oldResource, Fields: modifiedFields}) {
			oldViews[viewKey(vd)] = vd
		}
		newViews := map[string]model.ViewData{}
		for _, vd := range e.affect.GetAffectedViews(views.AffectedViewsQuery{Type: q.Type, Resource: newResource, Fields: modifiedFields}) {
			newViews[viewKey(vd)] = vd
		}

		keys := make([]string, 0, len(newViews))
		for k := range newViews {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nv := newViews[k]
			ov, both := oldViews[k]
			if !both {
				e.publishViewWithVariants(ctx, nv, "update", q.ID, nil, &budget)
				continue
			}
			viewSchema, ok := e.viewSchemaFor(nv)
			if !ok || viewSchema.DisableRealtime {
				continue
			}
			oldName := e.viewChannelName(viewSchema, ov)
			newName := e.viewChannelName(viewSchema, nv)
			if oldName != newName {
				// The resource moved between channel identities: notify the
				// old membership for removal and the new one for insertion.
				e.publishView(ctx, viewSchema, ov, "update", q.ID)
				e.publishView(ctx, viewSchema, nv, "update", q.ID)
				e.publishMultiVariants(ctx, viewSchema, ov, nv, "update", q.ID, &budget)
			} else if !affectingEqual(ov.AffectingData, nv.AffectingData) {
				e.publishView(ctx, viewSchema, nv, "update", q.ID)
			}
		}
		oldKeys := make([]string, 0, len(oldViews))
		for k := range oldViews {
			if _, both := newViews[k]; !both {
				oldKeys = append(oldKeys, k)
			}
		}
		sort.Strings(oldKeys)
		for _, k := range oldKeys {
			e.publishViewWithVariants(ctx, oldViews[k], "update", q.ID, nil, &budget)
		}
	}
}

func (e *Engine) viewSchemaFor(vd model.ViewData) (model.ViewSchema, bool) {
	viewSchema, _, ok := e.affect.ResolveView(vd.Type, vd.View)
	return viewSchema, ok
}

func (e *Engine) viewChannelName(viewSchema model.ViewSchema, vd model.ViewData) string {
	primary := channel.PrimaryParams(viewSchema, vd.Params, e.opts.TypedViewChannelParams)
	return channel.View(vd.View, primary, vd.Type)
}

func (e *Engine) publishView(ctx context.Context, viewSchema model.ViewSchema, vd model.ViewData, pubType, id string) {
	name := e.viewChannelName(viewSchema, vd)
	e.transmit(ctx, name, &Payload{Type: pubType, Value: map[string]any{"id": id}}, metrics.KindView)
}

// publishViewWithVariants publishes on a view's base channel and every
// multi-param variant of one resource state.
func (e *Engine) publishViewWithVariants(ctx context.Context, vd model.ViewData, pubType, id string, suppress map[string]map[string]struct{}, budget *int) {
	viewSchema, ok := e.viewSchemaFor(vd)
	if !ok || viewSchema.DisableRealtime {
		return
	}
	e.publishView(ctx, viewSchema, vd, pubType, id)
	for _, variant := range e.multiVariants(viewSchema, vd, suppress) {
		if *budget <= 0 {
			e.log.Debug().Str("view", vd.View).Msg("multi publish cap reached")
			return
		}
		*budget--
		name := channel.View(vd.View, variant, vd.Type)
		e.transmit(ctx, name, &Payload{Type: pubType, Value: map[string]any{"id": id}}, metrics.KindView)
	}
}

// publishMultiVariants handles a params move for multi-valued fields,
// suppressing variants whose value appears on both sides of the move.
func (e *Engine) publishMultiVariants(ctx context.Context, viewSchema model.ViewSchema, ov, nv model.ViewData, pubType, id string, budget *int) {
	oldSets := e.multiValueSets(viewSchema, ov)
	newSets := e.multiValueSets(viewSchema, nv)
	e.emitVariantSide(ctx, viewSchema, ov, pubType, id, newSets, budget)
	e.emitVariantSide(ctx, viewSchema, nv, pubType, id, oldSets, budget)
}

func (e *Engine) emitVariantSide(ctx context.Context, viewSchema model.ViewSchema, vd model.ViewData, pubType, id string, suppress map[string]map[string]struct{}, budget *int) {
	for _, variant := range e.multiVariants(viewSchema, vd, suppress) {
		if *budget <= 0 {
			e.log.Debug().Str("view", vd.View).Msg("multi publish cap reached")
			return
		}
		*budget--
		name := channel.View(vd.View, variant, vd.Type)
		e.transmit(ctx, name, &Payload{Type: pubType, Value: map[string]any{"id": id}}, metrics.KindView)
	}
}

// multiValueSets collects, per multi param field, the set of single values
// the resource state occupies.
func (e *Engine) multiValueSets(viewSchema model.ViewSchema, vd model.ViewData) map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{}
	for field := range vd.Params {
		if !e.isMultiParam(vd, field) {
			continue
		}
		set := map[string]struct{}{}
		for _, v := range multiValues(vd.Params[field]) {
			set[v] = struct{}{}
		}
		out[field] = set
	}
	return out
}

// multiVariants enumerates the single-value variant channel params of a view
// occurrence, skipping suppressed values.
func (e *Engine) multiVariants(viewSchema model.ViewSchema, vd model.ViewData, suppress map[string]map[string]struct{}) []map[string]any {
	primary := channel.PrimaryParams(viewSchema, vd.Params, e.opts.TypedViewChannelParams)
	fields := make([]string, 0, len(primary))
	for f := range primary {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []map[string]any
	for _, field := range fields {
		if !e.isMultiParam(vd, field) {
			continue
		}
		for _, v := range multiValues(vd.Params[field]) {
			if sup, ok := suppress[field]; ok {
				if _, skip := sup[v]; skip {
					continue
				}
			}
			variant := make(map[string]any, len(primary))
			for k, pv := range primary {
				variant[k] = pv
			}
			variant[field] = v
			out = append(out, variant)
		}
	}
	return out
}

// isMultiParam resolves the multi flag for a view param field from the
// target model's constraint only; a field the target model does not declare
// is not multi, and the written model's constraints are not consulted.
func (e *Engine) isMultiParam(vd model.ViewData, field string) bool {
	if ms, ok := e.schema[vd.Type]; ok {
		if c, ok := ms.Fields[field]; ok {
			return c.IsMulti()
		}
	}
	return false
}

// multiValues splits a multi field value into its routing set. Null routes
// to the "false" sentinel variant.
func multiValues(v any) []string {
	if v == nil {
		return []string{nullParamSentinel}
	}
	s, ok := v.(string)
	if !ok {
		s = channel.Stringify(v)
	}
	if s == "" {
		return []string{nullParamSentinel}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{nullParamSentinel}
	}
	return out
}

func affectingEqual(a, b map[string]any) bool {
	return channel.StableStringify(mapAny(a)) == channel.StableStringify(mapAny(b))
}

func mapAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// publishable reports whether a field value has a JSON wire form; opaque
// values (functions, channels, driver predicates) do not and publish
// name-only.
func publishable(v any) bool {
	if v == nil {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	}
	if _, err := json.Marshal(v); err != nil {
		return false
	}
	return true
}

func (e *Engine) transmit(ctx context.Context, name string, payload any, kind string) {
	var data any
	if p, ok := payload.(*Payload); ok && p != nil {
		data = p
	} else if payload != nil {
		data = payload
	}
	if err := e.exchange.TransmitPublish(ctx, name, data); err != nil {
		e.log.Warn().Err(err).Str("channel", name).Msg("publish failed")
		return
	}
	metrics.IncPublication(kind)
}
