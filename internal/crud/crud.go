// Package crud is the realtime-coherence engine: it executes CRUD
// operations against the store, keeps the per-resource cache coherent with
// subscription state, and fans every write out to the precise set of
// affected channels.
package crud

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openbrook/crudcast/internal/cache"
	"github.com/openbrook/crudcast/internal/events"
	"github.com/openbrook/crudcast/internal/metrics"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/socket"
	"github.com/openbrook/crudcast/internal/validate"
	"github.com/openbrook/crudcast/internal/views"
)

// Store is the database surface the engine runs against. The RethinkDB
// implementation lives in internal/db; tests substitute a fake.
type Store interface {
	// Get fetches one document; a missing document is (nil, nil).
	Get(ctx context.Context, typ, id string) (model.Resource, error)
	Insert(ctx context.Context, typ string, value model.Resource) (model.WriteResult, error)
	Update(ctx context.Context, typ, id string, value model.Resource) (model.WriteResult, error)
	RemoveField(ctx context.Context, typ, id, field string) (model.WriteResult, error)
	Delete(ctx context.Context, typ, id string) (model.WriteResult, error)
	FetchViewIDs(ctx context.Context, typ string, view model.ViewSchema, params map[string]any, offset, limit int) ([]string, error)
	CountView(ctx context.Context, typ string, view model.ViewSchema, params map[string]any) (int, error)
}

// Engine event names. Every failed operation emits EventError plus its
// operation-specific fail event.
const (
	EventCreate     = "create"
	EventUpdate     = "update"
	EventDelete     = "delete"
	EventError      = "error"
	EventCreateFail = "createFail"
	EventUpdateFail = "updateFail"
	EventDeleteFail = "deleteFail"
)

// EventData is the payload carried by engine events.
type EventData struct {
	Query    model.Query
	Resource model.Resource
	Err      error
}

// Engine owns the mutable realtime state for one schema. The schema and its
// derived indices are read-only after construction; mu guards the resource
// channel table and the subscribe waiters, and the cache guards its entries
// with its own mutex. All work around them is I/O bound.
type Engine struct {
	opts       model.Options
	schema     model.Schema
	store      Store
	exchange   socket.Exchange
	cache      *cache.Cache
	affect     *views.Engine
	validators map[string]validate.ModelValidator
	emitter    *events.Emitter
	log        zerolog.Logger

	mu sync.Mutex
	// resourceChannels maps "type/id" to the engine-side subscription
	// feeding cache invalidation.
	resourceChannels map[string]socket.Channel
	// subscribeWaiters buffers readers while a resource channel subscribe
	// is in flight; a failed subscribe rejects them all so the next read
	// retries.
	subscribeWaiters map[string][]chan error
	closed           bool
}

// New builds an engine. The store must already be connected; Init is a
// separate, awaited step.
func New(opts model.Options, store Store, exchange socket.Exchange, log zerolog.Logger) *Engine {
	if opts.CacheDuration <= 0 {
		opts.CacheDuration = model.DefaultCacheDuration
	}
	if opts.MaxMultiPublish <= 0 {
		opts.MaxMultiPublish = model.DefaultMaxMultiPublish
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = model.DefaultMaxPageSize
	}

	e := &Engine{
		opts:     opts,
		schema:   opts.Schema,
		store:    store,
		exchange: exchange,
		cache: cache.New(cache.Options{
			Duration: opts.CacheDuration,
			Disabled: opts.CacheDisabled,
		}),
		affect:           views.NewEngine(opts.Schema),
		validators:       map[string]validate.ModelValidator{},
		emitter:          events.NewEmitter(),
		log:              log,
		resourceChannels: map[string]socket.Channel{},
		subscribeWaiters: map[string][]chan error{},
	}
	for typeName, ms := range opts.Schema {
		e.validators[typeName] = validate.BuildModelValidator(typeName, ms.Fields, validate.ModelValidatorOptions{})
	}
	// Subscription lifetime is bound to cache entry lifetime.
	e.cache.SetReleaseHandler(e.releaseResourceChannel)
	e.watchCacheEvents()
	return e
}

// Schema returns the engine's schema (read-only).
func (e *Engine) Schema() model.Schema { return e.schema }

// Views exposes the derived view indices for the access filter.
func (e *Engine) Views() *views.Engine { return e.affect }

// Options returns the resolved engine options.
func (e *Engine) Options() model.Options { return e.opts }

// Cache exposes the resource cache; the access filter pre-fetches through
// it.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Listener exposes the named engine event stream.
func (e *Engine) Listener(name string) <-chan events.Event {
	return e.emitter.Listener(name)
}

// Close drops subscriptions, stops the cache and closes the event streams.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	channels := make([]socket.Channel, 0, len(e.resourceChannels))
	for _, ch := range e.resourceChannels {
		channels = append(channels, ch)
	}
	e.resourceChannels = map[string]socket.Channel{}
	e.mu.Unlock()

	for _, ch := range channels {
		ch.Kill()
	}
	e.cache.Close()
	e.emitter.Close()
}

// watchCacheEvents forwards cache lifecycle events into metrics and debug
// logs.
func (e *Engine) watchCacheEvents() {
	for _, name := range []string{
		cache.EventHit, cache.EventMiss, cache.EventSet,
		cache.EventUpdate, cache.EventExpire, cache.EventClear,
	} {
		name := name
		ch := e.cache.Listener(name)
		go func() {
			for ev := range ch {
				metrics.IncCacheEvent(name)
				if data, ok := ev.Data.(cache.EventData); ok {
					e.log.Trace().Str("event", name).Str("resource", data.Query.ResourcePath()).Msg("cache event")
				}
			}
		}()
	}
}

func (e *Engine) validator(typ string) validate.ModelValidator {
	return e.validators[typ]
}

func (e *Engine) fail(op string, q model.Query, err error) error {
	e.emitter.Emit(EventError, EventData{Query: q, Err: err})
	switch op {
	case model.ActionCreate:
		e.emitter.Emit(EventCreateFail, EventData{Query: q, Err: err})
	case model.ActionUpdate:
		e.emitter.Emit(EventUpdateFail, EventData{Query: q, Err: err})
	case model.ActionDelete:
		e.emitter.Emit(EventDeleteFail, EventData{Query: q, Err: err})
	}
	metrics.IncOp(q.Type, op, err)
	e.log.Debug().Err(err).Str("model", q.Type).Str("op", op).Msg("operation failed")
	return err
}

// Create validates and inserts a new document, then publishes its resource
// channel and a create notification on every affected view.
func (e *Engine) Create(ctx context.Context, q model.Query, sock model.SocketInfo) (string, error) {
	q.Action = model.ActionCreate
	if err := validate.Query(&q, e.schema); err != nil {
		return "", e.fail(model.ActionCreate, q, err)
	}
	value, ok := toResourceValue(q.Value)
	if !ok {
		return "", e.fail(model.ActionCreate, q, &model.InvalidArgumentsError{Message: "create requires an object value"})
	}
	sanitized, err := e.validator(q.Type)(value, false, false)
	if err != nil {
		return "", e.fail(model.ActionCreate, q, err)
	}

	wr, err := e.store.Insert(ctx, q.Type, sanitized)
	if err != nil {
		return "", e.fail(model.ActionCreate, q, err)
	}
	var inserted model.Resource
	if len(wr.Changes) > 0 {
		inserted = wr.Changes[0].NewVal
	}
	if inserted == nil {
		inserted = sanitized
	}
	id := inserted.ID()
	if id == "" {
		return "", e.fail(model.ActionCreate, q, &model.DatabaseError{Err: fmt.Errorf("insert returned no id for model %s", q.Type)})
	}

	pubQ := q
	pubQ.ID = id
	e.publishWrite(ctx, model.ActionCreate, pubQ, nil, inserted, sock)
	e.emitter.Emit(EventCreate, EventData{Query: pubQ, Resource: inserted})
	metrics.IncOp(q.Type, model.ActionCreate, nil)
	return id, nil
}

// Read dispatches on its three sub-modes: by id (optionally projecting a
// field), or a collection page of ids.
func (e *Engine) Read(ctx context.Context, q model.Query, sock model.SocketInfo) (any, error) {
	q.Action = model.ActionRead
	if err := validate.Query(&q, e.schema); err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	if q.ID != "" {
		return e.readResource(ctx, q, sock)
	}
	return e.ReadCollection(ctx, q, sock)
}

func (e *Engine) readResource(ctx context.Context, q model.Query, sock model.SocketInfo) (any, error) {
	if err := e.ensureResourceSubscription(ctx, q); err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	res, err := e.cache.Pass(ctx, q, func(ctx context.Context) (model.Resource, error) {
		return e.store.Get(ctx, q.Type, q.ID)
	})
	if err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	if err := e.applyPostAccess(q, sock, res); err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	metrics.IncOp(q.Type, model.ActionRead, nil)
	if res == nil {
		return nil, nil
	}
	if q.Field != "" {
		value := res[q.Field]
		if s, ok := value.(string); ok && q.SliceTo > 0 && len(s) > q.SliceTo {
			value = s[:q.SliceTo]
		}
		return value, nil
	}
	return res, nil
}

// ReadCollection fetches a page of ids through the transformed view query,
// optionally counting the full view in parallel.
func (e *Engine) ReadCollection(ctx context.Context, q model.Query, sock model.SocketInfo) (*model.CollectionPage, error) {
	view, declaringType, err := e.resolveViewForRead(q)
	if err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	pageSize := model.DefaultPageSize
	if q.PageSize != nil {
		pageSize = *q.PageSize
	}

	type countResult struct {
		n   int
		err error
	}
	var countCh chan countResult
	if q.GetCount {
		countCh = make(chan countResult, 1)
		go func() {
			n, err := e.store.CountView(ctx, declaringType, view, q.ViewParams)
			countCh <- countResult{n: n, err: err}
		}()
	}

	ids, err := e.store.FetchViewIDs(ctx, declaringType, view, q.ViewParams, q.Offset, pageSize+1)
	if err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	isLast := len(ids) < pageSize+1
	if !isLast {
		ids = ids[:pageSize]
	}
	page := &model.CollectionPage{Data: ids, IsLastPage: &isLast}
	if countCh != nil {
		res := <-countCh
		if res.err != nil {
			return nil, e.fail(model.ActionRead, q, res.err)
		}
		page.Count = &res.n
	}
	if err := e.applyPostAccess(q, sock, page); err != nil {
		return nil, e.fail(model.ActionRead, q, err)
	}
	metrics.IncOp(q.Type, model.ActionRead, nil)
	return page, nil
}

func (e *Engine) resolveViewForRead(q model.Query) (model.ViewSchema, string, error) {
	if q.View == "" {
		// Plain collection page over the base table.
		return model.ViewSchema{}, q.Type, nil
	}
	view, declaringType, ok := e.affect.ResolveView(q.Type, q.View)
	if !ok {
		return model.ViewSchema{}, "", &model.CRUDInvalidParams{
			Message: fmt.Sprintf("the %q view is not declared on the %q model", q.View, q.Type),
		}
	}
	return view, declaringType, nil
}

// Update validates and writes a partial or single-field update, reconciles
// the cache and dispatches the resulting publications.
func (e *Engine) Update(ctx context.Context, q model.Query, sock model.SocketInfo) error {
	q.Action = model.ActionUpdate
	if err := validate.Query(&q, e.schema); err != nil {
		return e.fail(model.ActionUpdate, q, err)
	}
	if q.ID == "" {
		return e.fail(model.ActionUpdate, q, &model.CRUDInvalidParams{Message: "update requires an id"})
	}
	if q.Field == "id" {
		return e.fail(model.ActionUpdate, q, &model.CRUDInvalidParams{Message: "the id field cannot be updated"})
	}

	current, err := e.store.Get(ctx, q.Type, q.ID)
	if err != nil {
		return e.fail(model.ActionUpdate, q, err)
	}
	if current == nil {
		return e.fail(model.ActionUpdate, q, &model.DocumentNotFoundError{Type: q.Type, ID: q.ID})
	}
	if err := e.applyPostAccess(q, sock, current); err != nil {
		return e.fail(model.ActionUpdate, q, err)
	}

	var value model.Resource
	if q.Field != "" {
		value = model.Resource{q.Field: q.Value}
	} else {
		var ok bool
		value, ok = toResourceValue(q.Value)
		if !ok {
			return e.fail(model.ActionUpdate, q, &model.InvalidArgumentsError{Message: "update requires an object or field value"})
		}
	}
	sanitized, err := e.validator(q.Type)(value, true, false)
	if err != nil {
		return e.fail(model.ActionUpdate, q, err)
	}

	wr, err := e.store.Update(ctx, q.Type, q.ID, sanitized)
	if err != nil {
		return e.fail(model.ActionUpdate, q, err)
	}
	oldResource := current
	newResource := current.Clone()
	for k, v := range sanitized {
		newResource[k] = v
	}
	if len(wr.Changes) > 0 {
		if wr.Changes[0].OldVal != nil {
			oldResource = wr.Changes[0].OldVal
		}
		if wr.Changes[0].NewVal != nil {
			newResource = wr.Changes[0].NewVal
		}
	}

	cacheQ := q
	cacheQ.Field = ""
	cacheQ.Value = map[string]any(sanitized)
	e.cache.Update(cacheQ)

	e.publishWrite(ctx, model.ActionUpdate, q, oldResource, newResource, sock)
	e.emitter.Emit(EventUpdate, EventData{Query: q, Resource: newResource})
	metrics.IncOp(q.Type, model.ActionUpdate, nil)
	return nil
}

// Delete removes a whole document, or one field of it when the query names
// a field.
func (e *Engine) Delete(ctx context.Context, q model.Query, sock model.SocketInfo) error {
	q.Action = model.ActionDelete
	if err := validate.Query(&q, e.schema); err != nil {
		return e.fail(model.ActionDelete, q, err)
	}
	if q.ID == "" {
		return e.fail(model.ActionDelete, q, &model.CRUDInvalidParams{Message: "delete requires an id"})
	}

	current, err := e.store.Get(ctx, q.Type, q.ID)
	if err != nil {
		return e.fail(model.ActionDelete, q, err)
	}
	if current == nil {
		return e.fail(model.ActionDelete, q, &model.DocumentNotFoundError{Type: q.Type, ID: q.ID})
	}
	if err := e.applyPostAccess(q, sock, current); err != nil {
		return e.fail(model.ActionDelete, q, err)
	}

	if q.Field == "" {
		return e.deleteResource(ctx, q, current, sock)
	}
	return e.deleteField(ctx, q, current, sock)
}

func (e *Engine) deleteResource(ctx context.Context, q model.Query, current model.Resource, sock model.SocketInfo) error {
	if _, err := e.store.Delete(ctx, q.Type, q.ID); err != nil {
		return e.fail(model.ActionDelete, q, err)
	}
	e.cache.Clear(q)
	e.publishWrite(ctx, model.ActionDelete, q, current, nil, sock)
	e.emitter.Emit(EventDelete, EventData{Query: q, Resource: current})
	metrics.IncOp(q.Type, model.ActionDelete, nil)
	return nil
}

func (e *Engine) deleteField(ctx context.Context, q model.Query, current model.Resource, sock model.SocketInfo) error {
	constraint, ok := e.schema[q.Type].Fields[q.Field]
	if !ok {
		return e.fail(model.ActionDelete, q, &model.CRUDValidationError{
			Model: q.Type,
			Field: q.Field,
			FieldErrors: []model.FieldError{{
				Model: q.Type, Field: q.Field, Message: "field is not declared in the schema",
			}},
		})
	}
	if constraint.IsRequired() {
		return e.fail(model.ActionDelete, q, &model.CRUDValidationError{
			Model: q.Type,
			Field: q.Field,
			FieldErrors: []model.FieldError{{
				Model: q.Type, Field: q.Field, Message: "field is required and cannot be removed",
			}},
		})
	}

	if _, err := e.store.RemoveField(ctx, q.Type, q.ID, q.Field); err != nil {
		return e.fail(model.ActionDelete, q, err)
	}
	// Membership transitions come from the pre-delete snapshot; the write
	// result can be stale relative to concurrent writes.
	withoutField := current.Clone()
	delete(withoutField, q.Field)

	e.cache.Clear(q)
	e.publishFieldDelete(ctx, q, current, withoutField, sock)
	e.emitter.Emit(EventDelete, EventData{Query: q, Resource: withoutField})
	metrics.IncOp(q.Type, model.ActionDelete, nil)
	return nil
}

// toResourceValue coerces a query value into a resource map.
func toResourceValue(v any) (model.Resource, bool) {
	switch t := v.(type) {
	case model.Resource:
		return t, true
	case map[string]any:
		return model.Resource(t), true
	}
	return nil, false
}
