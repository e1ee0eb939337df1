package crud_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrook/crudcast/internal/cache"
	"github.com/openbrook/crudcast/internal/crud"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/socket"
	"github.com/openbrook/crudcast/internal/validate"
)

// fakeStore is an in-memory Store with the same error contract as the
// RethinkDB implementation.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]model.Resource
	getCalls map[string]int32
	getDelay time.Duration

	viewIDs   []string
	viewCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     map[string]map[string]model.Resource{},
		getCalls: map[string]int32{},
	}
}

func (f *fakeStore) seed(typ string, doc model.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[typ] == nil {
		f.docs[typ] = map[string]model.Resource{}
	}
	f.docs[typ][doc.ID()] = doc.Clone()
}

func (f *fakeStore) Get(ctx context.Context, typ, id string) (model.Resource, error) {
	f.mu.Lock()
	f.getCalls[typ+"/"+id]++
	delay := f.getDelay
	doc := f.docs[typ][id]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if doc == nil {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (f *fakeStore) Insert(ctx context.Context, typ string, value model.Resource) (model.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := value.ID()
	if id == "" {
		id = fmt.Sprintf("gen-%d", len(f.docs[typ])+1)
		value = value.Clone()
		value["id"] = id
	}
	if f.docs[typ] == nil {
		f.docs[typ] = map[string]model.Resource{}
	}
	if _, exists := f.docs[typ][id]; exists {
		return model.WriteResult{
			Errors:     1,
			FirstError: fmt.Sprintf("Duplicate primary key `%s`", id),
		}, &model.DuplicatePrimaryKeyError{PrimaryKey: id}
	}
	f.docs[typ][id] = value.Clone()
	return model.WriteResult{Changes: []model.Change{{NewVal: value.Clone()}}}, nil
}

func (f *fakeStore) Update(ctx context.Context, typ, id string, value model.Resource) (model.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.docs[typ][id]
	if old == nil {
		return model.WriteResult{}, &model.DocumentNotFoundError{Type: typ, ID: id}
	}
	next := old.Clone()
	for k, v := range value {
		next[k] = v
	}
	f.docs[typ][id] = next
	return model.WriteResult{Changes: []model.Change{{NewVal: next.Clone(), OldVal: old.Clone()}}}, nil
}

func (f *fakeStore) RemoveField(ctx context.Context, typ, id, field string) (model.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.docs[typ][id]
	if old == nil {
		return model.WriteResult{}, &model.DocumentNotFoundError{Type: typ, ID: id}
	}
	next := old.Clone()
	delete(next, field)
	f.docs[typ][id] = next
	return model.WriteResult{Changes: []model.Change{{NewVal: next.Clone(), OldVal: old.Clone()}}}, nil
}

func (f *fakeStore) Delete(ctx context.Context, typ, id string) (model.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.docs[typ][id]
	if old == nil {
		return model.WriteResult{}, &model.DocumentNotFoundError{Type: typ, ID: id}
	}
	delete(f.docs[typ], id)
	return model.WriteResult{Changes: []model.Change{{OldVal: old.Clone()}}}, nil
}

func (f *fakeStore) FetchViewIDs(ctx context.Context, typ string, view model.ViewSchema, params map[string]any, offset, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.viewIDs
	if offset > len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]string(nil), ids...), nil
}

func (f *fakeStore) CountView(ctx context.Context, typ string, view model.ViewSchema, params map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewCount, nil
}

func (f *fakeStore) calls(typ, id string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[typ+"/"+id]
}

// recordingExchange records every publication while forwarding to the real
// broker, and can force subscribe failures.
type pub struct {
	Channel string
	Data    any
}

type recordingExchange struct {
	inner socket.Exchange

	mu     sync.Mutex
	pubs   []pub
	subErr error
}

func (r *recordingExchange) TransmitPublish(ctx context.Context, channel string, data any) error {
	r.mu.Lock()
	r.pubs = append(r.pubs, pub{Channel: channel, Data: data})
	r.mu.Unlock()
	return r.inner.TransmitPublish(ctx, channel, data)
}

func (r *recordingExchange) Subscribe(ctx context.Context, channel string) (socket.Channel, error) {
	r.mu.Lock()
	err := r.subErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.inner.Subscribe(ctx, channel)
}

func (r *recordingExchange) IsSubscribed(channel string, includePending bool) bool {
	return r.inner.IsSubscribed(channel, includePending)
}

func (r *recordingExchange) setSubErr(err error) {
	r.mu.Lock()
	r.subErr = err
	r.mu.Unlock()
}

func (r *recordingExchange) recorded() []pub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pub(nil), r.pubs...)
}

func (r *recordingExchange) reset() {
	r.mu.Lock()
	r.pubs = nil
	r.mu.Unlock()
}

func (r *recordingExchange) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pubs))
	for i, p := range r.pubs {
		out[i] = p.Channel
	}
	return out
}

func ownerSchema() model.Schema {
	return model.Schema{
		"Item": {
			Fields: map[string]model.Constraint{
				"id":    validate.Str(),
				"owner": validate.Str().Required(),
				"rank":  validate.Num().AllowNull(),
			},
			Views: map[string]model.ViewSchema{
				"byOwner": {
					ParamFields:     []string{"owner"},
					PrimaryFields:   []string{"owner"},
					AffectingFields: []string{"rank"},
				},
			},
		},
	}
}

type testRig struct {
	engine *crud.Engine
	store  *fakeStore
	ex     *recordingExchange
	broker *socket.MemoryServer
}

func newRig(t *testing.T, schema model.Schema, opts ...func(*model.Options)) *testRig {
	t.Helper()
	store := newFakeStore()
	broker := socket.NewMemoryServer()
	ex := &recordingExchange{inner: broker.Exchange()}
	options := model.Options{Schema: schema, CacheDuration: time.Minute}
	for _, opt := range opts {
		opt(&options)
	}
	engine := crud.New(options, store, ex, zerolog.Nop())
	t.Cleanup(func() {
		engine.Close()
		broker.Close()
	})
	return &testRig{engine: engine, store: store, ex: ex, broker: broker}
}

func payloadOf(t *testing.T, p pub) *crud.Payload {
	t.Helper()
	payload, ok := p.Data.(*crud.Payload)
	require.True(t, ok, "publication on %s carries no typed payload", p.Channel)
	return payload
}

func findPub(pubs []pub, channel string) (pub, bool) {
	for _, p := range pubs {
		if p.Channel == channel {
			return p, true
		}
	}
	return pub{}, false
}

// Scenario A: a create publishes on the resource channel and its own view.
func TestCreatePublishesToOwnView(t *testing.T) {
	rig := newRig(t, ownerSchema())

	id, err := rig.engine.Create(context.Background(), model.Query{
		Type:  "Item",
		Value: map[string]any{"id": "i1", "owner": "u1"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "i1", id)

	pubs := rig.ex.recorded()
	require.NotEmpty(t, pubs)
	assert.Equal(t, "crud>Item/i1", pubs[0].Channel, "resource channel fires first")
	assert.Nil(t, pubs[0].Data, "resource publications carry no payload")

	viewPub, ok := findPub(pubs, `crud>byOwner({"owner":"u1"}):Item`)
	require.True(t, ok, "channels: %v", rig.ex.channels())
	payload := payloadOf(t, viewPub)
	assert.Equal(t, "create", payload.Type)
	assert.Equal(t, map[string]any{"id": "i1"}, payload.Value)
}

// Scenario B: an update that moves a routing param publishes on both the
// old and the new view channel.
func TestUpdateMovesAcrossViewParams(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})

	err := rig.engine.Update(context.Background(), model.Query{
		Type: "Item", ID: "i1", Field: "owner", Value: "u2",
	}, nil)
	require.NoError(t, err)

	pubs := rig.ex.recorded()
	require.NotEmpty(t, pubs)
	assert.Equal(t, "crud>Item/i1", pubs[0].Channel)

	fieldPub, ok := findPub(pubs, "crud>Item/i1/owner")
	require.True(t, ok)
	payload := payloadOf(t, fieldPub)
	assert.Equal(t, "update", payload.Type)
	assert.Equal(t, "u2", payload.Value)

	for _, ch := range []string{
		`crud>byOwner({"owner":"u1"}):Item`,
		`crud>byOwner({"owner":"u2"}):Item`,
	} {
		viewPub, ok := findPub(pubs, ch)
		require.True(t, ok, "missing %s in %v", ch, rig.ex.channels())
		p := payloadOf(t, viewPub)
		assert.Equal(t, "update", p.Type)
		assert.Equal(t, map[string]any{"id": "i1"}, p.Value)
	}
}

func foreignSchema() model.Schema {
	return model.Schema{
		"User": {
			Fields: map[string]model.Constraint{"id": validate.Str()},
		},
		"Item": {
			Fields: map[string]model.Constraint{
				"id":      validate.Str(),
				"ownerId": validate.Str().Required(),
			},
			Views: map[string]model.ViewSchema{
				"byUser": {
					ParamFields:            []string{"id"},
					PrimaryFields:          []string{"id"},
					ForeignAffectingFields: map[string][]string{"User": {}},
				},
			},
			Relations: map[string]map[string]model.RelationFunc{
				"User": {
					"id": func(item model.Resource) any { return item["ownerId"] },
				},
			},
		},
	}
}

// Scenario C: updating Item.ownerId affects the byUser view addressed under
// the User namespace, through the declared relation.
func TestForeignViewTransition(t *testing.T) {
	rig := newRig(t, foreignSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "ownerId": "u1"})

	err := rig.engine.Update(context.Background(), model.Query{
		Type: "Item", ID: "i1", Field: "ownerId", Value: "u2",
	}, nil)
	require.NoError(t, err)

	pubs := rig.ex.recorded()
	for _, ch := range []string{
		`crud>byUser({"id":"u1"}):User`,
		`crud>byUser({"id":"u2"}):User`,
	} {
		viewPub, ok := findPub(pubs, ch)
		require.True(t, ok, "missing %s in %v", ch, rig.ex.channels())
		p := payloadOf(t, viewPub)
		assert.Equal(t, "update", p.Type)
		assert.Equal(t, map[string]any{"id": "i1"}, p.Value)
	}
}

// Scenario D: a duplicate insert surfaces the offending key and emits
// createFail.
func TestDuplicateInsert(t *testing.T) {
	rig := newRig(t, ownerSchema())
	failures := rig.engine.Listener(crud.EventCreateFail)

	q := model.Query{Type: "Item", Value: map[string]any{"id": "i1", "owner": "u1"}}
	_, err := rig.engine.Create(context.Background(), q, nil)
	require.NoError(t, err)

	_, err = rig.engine.Create(context.Background(), q, nil)
	var dup *model.DuplicatePrimaryKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "i1", dup.PrimaryKey)

	select {
	case ev := <-failures:
		data := ev.Data.(crud.EventData)
		assert.ErrorAs(t, data.Err, &dup)
	case <-time.After(time.Second):
		t.Fatal("no createFail event")
	}
}

// Scenario E: concurrent reads of an uncached resource share one database
// fetch.
func TestReadSingleFlight(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})
	rig.store.getDelay = 30 * time.Millisecond
	misses := rig.engine.Cache().Listener(cache.EventMiss)
	sets := rig.engine.Cache().Listener(cache.EventSet)

	const n = 4
	var wg sync.WaitGroup
	results := make([]any, n)
	var failed int32
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
			if err != nil {
				atomic.AddInt32(&failed, 1)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()
	require.Zero(t, atomic.LoadInt32(&failed))

	assert.Equal(t, int32(1), rig.store.calls("Item", "i1"))
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "u1", res.(model.Resource)["owner"])
	}
	assert.Len(t, drainEvents(misses), 1)
	assert.Len(t, drainEvents(sets), 1)
}

func TestReadFieldWithSlice(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "abcdefgh"})

	v, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1", Field: "owner", SliceTo: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

func TestReadMissingResourceIsNil(t *testing.T) {
	rig := newRig(t, ownerSchema())
	v, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "nope"}, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestReadCollectionPagination(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.viewIDs = []string{"a", "b", "c", "d"}
	rig.store.viewCount = 4

	size := 3
	page, err := rig.engine.ReadCollection(context.Background(), model.Query{
		Type: "Item", View: "byOwner",
		ViewParams: map[string]any{"owner": "u1"},
		PageSize:   &size,
		GetCount:   true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, page.Data)
	require.NotNil(t, page.IsLastPage)
	assert.False(t, *page.IsLastPage)
	require.NotNil(t, page.Count)
	assert.Equal(t, 4, *page.Count)

	size = 10
	page, err = rig.engine.ReadCollection(context.Background(), model.Query{
		Type: "Item", View: "byOwner",
		ViewParams: map[string]any{"owner": "u1"},
		PageSize:   &size,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, page.Data)
	assert.True(t, *page.IsLastPage)
}

func TestPostAccessFilterBlocksRead(t *testing.T) {
	schema := ownerSchema()
	ms := schema["Item"]
	ms.Access = model.AccessHooks{
		Post: func(req model.AccessRequest) error {
			return model.ErrAccessDenied
		},
	}
	schema["Item"] = ms

	rig := newRig(t, schema)
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})
	broker := rig.broker
	sock := broker.Connect()

	_, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, sock)
	var blocked *model.CRUDBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, model.BlockedPost, blocked.Type)

	// Server-origin calls bypass post filtering.
	res, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestUpdateRejectsIDField(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})

	err := rig.engine.Update(context.Background(), model.Query{Type: "Item", ID: "i1", Field: "id", Value: "i2"}, nil)
	var invalid *model.CRUDInvalidParams
	require.ErrorAs(t, err, &invalid)
}

func TestDeleteWholeDocument(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})

	err := rig.engine.Delete(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
	require.NoError(t, err)

	pubs := rig.ex.recorded()
	assert.Equal(t, "crud>Item/i1", pubs[0].Channel)

	// Every declared field channel gets a delete notification.
	for _, field := range []string{"id", "owner", "rank"} {
		fieldPub, ok := findPub(pubs, "crud>Item/i1/"+field)
		require.True(t, ok, "missing field channel for %s", field)
		assert.Equal(t, "delete", payloadOf(t, fieldPub).Type)
	}

	viewPub, ok := findPub(pubs, `crud>byOwner({"owner":"u1"}):Item`)
	require.True(t, ok)
	p := payloadOf(t, viewPub)
	assert.Equal(t, "delete", p.Type)
	assert.Equal(t, map[string]any{"id": "i1"}, p.Value)
}

func TestDeleteFieldUsesPreDeleteSnapshot(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1", "rank": 5.0})

	err := rig.engine.Delete(context.Background(), model.Query{Type: "Item", ID: "i1", Field: "rank"}, nil)
	require.NoError(t, err)

	pubs := rig.ex.recorded()
	assert.Equal(t, "crud>Item/i1", pubs[0].Channel)

	fieldPub, ok := findPub(pubs, "crud>Item/i1/rank")
	require.True(t, ok)
	assert.Equal(t, "delete", payloadOf(t, fieldPub).Type)

	// rank is an affecting field of byOwner: membership may have shifted
	// inside the unchanged channel, so exactly one view update fires.
	viewPub, ok := findPub(pubs, `crud>byOwner({"owner":"u1"}):Item`)
	require.True(t, ok)
	assert.Equal(t, "update", payloadOf(t, viewPub).Type)
}

func TestDeleteRequiredFieldRejected(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})

	err := rig.engine.Delete(context.Background(), model.Query{Type: "Item", ID: "i1", Field: "owner"}, nil)
	var verr *model.CRUDValidationError
	require.ErrorAs(t, err, &verr)
}

func TestResourceSubscriptionLifecycle(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})

	_, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
	require.NoError(t, err)
	assert.True(t, rig.ex.IsSubscribed("crud>Item/i1", false))

	// An upstream change notification clears the cache, which drops the
	// subscription with it.
	require.NoError(t, rig.broker.Exchange().TransmitPublish(context.Background(), "crud>Item/i1", nil))
	require.Eventually(t, func() bool {
		return !rig.ex.IsSubscribed("crud>Item/i1", false)
	}, time.Second, 5*time.Millisecond)

	// The next read re-subscribes and re-fetches.
	before := rig.store.calls("Item", "i1")
	_, err = rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
	require.NoError(t, err)
	assert.Greater(t, rig.store.calls("Item", "i1"), before)
	assert.True(t, rig.ex.IsSubscribed("crud>Item/i1", false))
}

func TestSubscribeFailureRejectsReadersThenRetries(t *testing.T) {
	rig := newRig(t, ownerSchema())
	rig.store.seed("Item", model.Resource{"id": "i1", "owner": "u1"})
	rig.ex.setSubErr(fmt.Errorf("broker down"))

	_, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
	var subErr *model.FailedToSubscribeToResourceChannel
	require.ErrorAs(t, err, &subErr)

	rig.ex.setSubErr(nil)
	res, err := rig.engine.Read(context.Background(), model.Query{Type: "Item", ID: "i1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func drainEvents[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
