// Package access interposes the schema-declared pre and post hooks on every
// crud invocation and subscription by hooking the broker's inbound and
// outbound middleware lines, and suppresses publisher echo on the way out.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openbrook/crudcast/internal/channel"
	"github.com/openbrook/crudcast/internal/crud"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/socket"
	"github.com/openbrook/crudcast/internal/validate"
)

// errEchoSuppressed silently blocks a publication from echoing back to its
// originator.
var errEchoSuppressed = errors.New("publisher echo suppressed")

// Filter wires one engine's access rules into a broker.
type Filter struct {
	engine *crud.Engine
	log    zerolog.Logger
}

func New(engine *crud.Engine, log zerolog.Logger) *Filter {
	return &Filter{engine: engine, log: log}
}

// Attach installs the filter on both middleware lines.
func (f *Filter) Attach(srv socket.Server) {
	srv.SetInboundMiddleware(f.Inbound)
	srv.SetOutboundMiddleware(f.Outbound)
}

// Inbound handles INVOKE, SUBSCRIBE and PUBLISH_IN actions.
func (f *Filter) Inbound(action *socket.Action) {
	switch action.Type {
	case socket.ActionInvoke:
		f.handleInvoke(action)
	case socket.ActionSubscribe:
		f.handleSubscribe(action)
	case socket.ActionPublishIn:
		// Clients may never publish onto crud channels directly; the engine
		// is the only writer.
		if channel.IsCRUDChannel(action.Channel) {
			action.Block(&model.CRUDPublishNotAllowedError{Channel: action.Channel})
			return
		}
		action.Allow()
	default:
		action.Allow()
	}
}

func (f *Filter) handleInvoke(action *socket.Action) {
	if action.Procedure != crud.ProcedureName {
		action.Allow()
		return
	}
	q, err := crud.DecodeQuery(action.Data)
	if err != nil {
		action.Block(err)
		return
	}
	if err := validate.Query(&q, f.engine.Schema()); err != nil {
		action.Block(err)
		return
	}
	if q.Action == model.ActionRead && q.View != "" && q.PageSize != nil {
		if max := f.engine.MaxPageSizeFor(q.Type); *q.PageSize > max {
			action.Block(&model.CRUDInvalidParams{
				Message: fmt.Sprintf("pageSize %d exceeds the maximum of %d", *q.PageSize, max),
			})
			return
		}
	}
	if err := f.engine.ApplyPreAccess(q, action.Socket); err != nil {
		action.Block(err)
		return
	}
	action.Allow()
}

func (f *Filter) handleSubscribe(action *socket.Action) {
	q := channel.ParseResourceQuery(action.Channel)
	if q == nil {
		// Not a crud channel; outside this filter's jurisdiction.
		action.Allow()
		return
	}
	mergeClientViewParams(q, action.Data, f.viewPrimaryFields(q))
	if err := f.validateSubscribe(q); err != nil {
		action.Block(err)
		return
	}
	if err := f.engine.ApplyPreAccess(*q, action.Socket); err != nil {
		action.Block(err)
		return
	}

	resource, err := f.engine.FetchForSubscribe(context.Background(), *q)
	if err != nil {
		action.Block(err)
		return
	}
	if err := f.engine.ApplyPostAccess(*q, action.Socket, resource); err != nil {
		action.Block(err)
		return
	}
	// The pre-fetched subject becomes the subscription payload.
	action.Allow(resource)
}

// validateSubscribe mirrors query validation for channel-derived queries.
// Views addressed under a parent model's namespace resolve through the
// foreign index, which plain query validation cannot see.
func (f *Filter) validateSubscribe(q *model.Query) error {
	schema := f.engine.Schema()
	if _, ok := schema[q.Type]; !ok {
		return &model.CRUDInvalidModelType{Type: q.Type}
	}
	if q.View == "" {
		if q.ID == "" {
			return &model.CRUDInvalidParams{Message: "a resource channel requires an id"}
		}
		return nil
	}
	view, _, ok := f.engine.Views().ResolveView(q.Type, q.View)
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
		for _, field := range view.PrimaryFields {
			if v, ok := q.ViewParams[field]; !ok || v == nil {
				return &model.CRUDInvalidParams{
					Message: fmt.Sprintf("viewParams is missing the primary field %q required by the %q view", field, q.View),
				}
			}
		}
	}
	return nil
}

func (f *Filter) viewPrimaryFields(q *model.Query) map[string]struct{} {
	out := map[string]struct{}{}
	if q.View == "" {
		return out
	}
	view, _, ok := f.engine.Views().ResolveView(q.Type, q.View)
	if !ok {
		return out
	}
	for _, field := range view.PrimaryFields {
		out[field] = struct{}{}
	}
	return out
}

// mergeClientViewParams honours client-supplied params attached to the
// subscribe request for non-routing fields; routing (primary) fields always
// come from the channel name so a client cannot re-aim a subscription.
func mergeClientViewParams(q *model.Query, data any, primary map[string]struct{}) {
	obj, ok := data.(map[string]any)
	if !ok {
		return
	}
	extra, ok := obj["viewParams"].(map[string]any)
	if !ok {
		return
	}
	if q.ViewParams == nil {
		q.ViewParams = map[string]any{}
	}
	for k, v := range extra {
		if _, routing := primary[k]; routing {
			continue
		}
		q.ViewParams[k] = v
	}
}

// Outbound suppresses publisher echo on PUBLISH_OUT: a payload marked with
// the receiving socket's own id is dropped silently unless the writer set a
// publisherId marker, and every delivered payload has its publisher
// identifiers stripped.
func (f *Filter) Outbound(action *socket.Action) {
	if action.Type != socket.ActionPublishOut {
		action.Allow()
		return
	}
	publisherSocketID, publisherID, ok := publisherIdentifiers(action.Data)
	if !ok {
		action.Allow()
		return
	}
	if publisherSocketID != "" && action.Socket != nil && publisherSocketID == action.Socket.ID() {
		if publisherID != "" {
			action.Allow(stripPublisher(action.Data, true))
			return
		}
		action.Block(errEchoSuppressed)
		return
	}
	action.Allow(stripPublisher(action.Data, false))
}

// publisherIdentifiers extracts publisher metadata from the two payload
// shapes that cross this line: the engine's typed payload in-process and a
// decoded JSON object after a transport hop.
func publisherIdentifiers(data any) (publisherSocketID, publisherID string, ok bool) {
	switch p := data.(type) {
	case *crud.Payload:
		if p == nil {
			return "", "", false
		}
		return p.PublisherSocketID, p.PublisherID, true
	case map[string]any:
		sid, _ := p["publisherSocketId"].(string)
		pid, _ := p["publisherId"].(string)
		return sid, pid, true
	}
	return "", "", false
}

// stripPublisher returns a payload copy without publisher identifiers,
// optionally keeping publisherId for originator-marked deliveries.
func stripPublisher(data any, keepPublisherID bool) any {
	switch p := data.(type) {
	case *crud.Payload:
		out := *p
		out.PublisherSocketID = ""
		if !keepPublisherID {
			out.PublisherID = ""
		}
		return &out
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		delete(out, "publisherSocketId")
		if !keepPublisherID {
			delete(out, "publisherId")
		}
		return out
	}
	return data
}
