package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrook/crudcast/internal/crud"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/socket"
	"github.com/openbrook/crudcast/internal/validate"
)

// fakeStore mirrors the Store contract for filter tests.
type fakeStore struct {
	docs    map[string]model.Resource
	viewIDs []string
}

func (f *fakeStore) Get(ctx context.Context, typ, id string) (model.Resource, error) {
	if doc, ok := f.docs[typ+"/"+id]; ok {
		return doc.Clone(), nil
	}
	return nil, nil
}

func (f *fakeStore) Insert(ctx context.Context, typ string, value model.Resource) (model.WriteResult, error) {
	return model.WriteResult{Changes: []model.Change{{NewVal: value.Clone()}}}, nil
}

func (f *fakeStore) Update(ctx context.Context, typ, id string, value model.Resource) (model.WriteResult, error) {
	return model.WriteResult{}, nil
}

func (f *fakeStore) RemoveField(ctx context.Context, typ, id, field string) (model.WriteResult, error) {
	return model.WriteResult{}, nil
}

func (f *fakeStore) Delete(ctx context.Context, typ, id string) (model.WriteResult, error) {
	return model.WriteResult{}, nil
}

func (f *fakeStore) FetchViewIDs(ctx context.Context, typ string, view model.ViewSchema, params map[string]any, offset, limit int) ([]string, error) {
	ids := f.viewIDs
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]string(nil), ids...), nil
}

func (f *fakeStore) CountView(ctx context.Context, typ string, view model.ViewSchema, params map[string]any) (int, error) {
	return len(f.viewIDs), nil
}

type rig struct {
	broker *socket.MemoryServer
	engine *crud.Engine
	store  *fakeStore
}

func newRig(t *testing.T, schema model.Schema, opts ...func(*model.Options)) *rig {
	t.Helper()
	store := &fakeStore{docs: map[string]model.Resource{}}
	broker := socket.NewMemoryServer()
	options := model.Options{Schema: schema, CacheDuration: time.Minute, MaxPageSize: 50}
	for _, opt := range opts {
		opt(&options)
	}
	engine := crud.New(options, store, broker.Exchange(), zerolog.Nop())
	filter := New(engine, zerolog.Nop())
	filter.Attach(broker)
	engine.AttachToServer(broker)
	t.Cleanup(func() {
		engine.Close()
		broker.Close()
	})
	return &rig{broker: broker, engine: engine, store: store}
}

func schemaWithHooks(pre, post func(model.AccessRequest) error) model.Schema {
	return model.Schema{
		"Item": {
			Fields: map[string]model.Constraint{
				"id":    validate.Str(),
				"owner": validate.Str().Required(),
			},
			Views: map[string]model.ViewSchema{
				"byOwner": {
					ParamFields:   []string{"owner"},
					PrimaryFields: []string{"owner"},
				},
			},
			Access: model.AccessHooks{Pre: pre, Post: post},
		},
	}
}

func TestInvokeValidatesQueries(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	sock := r.broker.Connect()

	_, err := sock.Invoke(context.Background(), "crud", map[string]any{
		"action": "read",
		"type":   "Nope",
	})
	require.Error(t, err)
	var invalid *model.CRUDInvalidModelType
	assert.ErrorAs(t, err, &invalid)
}

func TestInvokePreFilterBlocks(t *testing.T) {
	var seen model.AccessRequest
	pre := func(req model.AccessRequest) error {
		seen = req
		if req.Query.ID == "secret" {
			return model.ErrAccessDenied
		}
		return nil
	}
	r := newRig(t, schemaWithHooks(pre, nil))
	r.store.docs["Item/i1"] = model.Resource{"id": "i1", "owner": "u1"}
	sock := r.broker.ConnectWithAuth("token-1")

	_, err := sock.Invoke(context.Background(), "crud", map[string]any{
		"action": "read", "type": "Item", "id": "secret",
	})
	var blocked *model.CRUDBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, model.BlockedPre, blocked.Type)

	_, err = sock.Invoke(context.Background(), "crud", map[string]any{
		"action": "read", "type": "Item", "id": "i1",
	})
	require.NoError(t, err)
	assert.Equal(t, "token-1", seen.AuthToken, "the hook sees the socket's auth token")
	assert.Equal(t, model.ActionRead, seen.Action)
}

func TestInvokePreFilterErrorPassesThrough(t *testing.T) {
	custom := errors.New("quota exceeded")
	pre := func(req model.AccessRequest) error { return custom }
	r := newRig(t, schemaWithHooks(pre, nil))
	sock := r.broker.Connect()

	_, err := sock.Invoke(context.Background(), "crud", map[string]any{
		"action": "read", "type": "Item", "id": "i1",
	})
	assert.ErrorIs(t, err, custom)
}

func TestBlockPreByDefault(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil), func(o *model.Options) {
		o.BlockPreByDefault = true
	})
	sock := r.broker.Connect()

	_, err := sock.Invoke(context.Background(), "crud", map[string]any{
		"action": "read", "type": "Item", "id": "i1",
	})
	var blocked *model.CRUDBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, model.BlockedPre, blocked.Type)
}

func TestPageSizeCap(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	sock := r.broker.Connect()

	_, err := sock.Invoke(context.Background(), "crud", map[string]any{
		"action":     "read",
		"type":       "Item",
		"view":       "byOwner",
		"viewParams": map[string]any{"owner": "u1"},
		"pageSize":   100,
	})
	var invalid *model.CRUDInvalidParams
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Message, "exceeds the maximum")

	_, err = sock.Invoke(context.Background(), "crud", map[string]any{
		"action":     "read",
		"type":       "Item",
		"view":       "byOwner",
		"viewParams": map[string]any{"owner": "u1"},
		"pageSize":   10,
	})
	assert.NoError(t, err)
}

func TestClientPublishOnCRUDChannelBlocked(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	sock := r.broker.Connect()

	err := sock.Publish(context.Background(), "crud>Item/i1", "spoof")
	var notAllowed *model.CRUDPublishNotAllowedError
	require.ErrorAs(t, err, &notAllowed)

	assert.NoError(t, sock.Publish(context.Background(), "chat>general", "hi"))
}

func TestSubscribePrefetchesResource(t *testing.T) {
	var postSeen any
	post := func(req model.AccessRequest) error {
		postSeen = req.Resource
		return nil
	}
	r := newRig(t, schemaWithHooks(nil, post))
	r.store.docs["Item/i1"] = model.Resource{"id": "i1", "owner": "u1"}
	sock := r.broker.Connect()

	payload, err := sock.Subscribe(context.Background(), "crud>Item/i1")
	require.NoError(t, err)
	res, ok := payload.(model.Resource)
	require.True(t, ok, "the pre-fetched resource becomes the subscription payload")
	assert.Equal(t, "u1", res["owner"])
	assert.Equal(t, res, postSeen)
}

func TestSubscribeViewChannel(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	r.store.viewIDs = []string{"i1", "i2"}
	sock := r.broker.Connect()

	payload, err := sock.Subscribe(context.Background(), `crud>byOwner({"owner":"u1"}):Item`)
	require.NoError(t, err)
	page, ok := payload.(*model.CollectionPage)
	require.True(t, ok)
	assert.Equal(t, []string{"i1", "i2"}, page.Data)

	_, err = sock.Subscribe(context.Background(), `crud>nope({"owner":"u1"}):Item`)
	assert.Error(t, err)
}

func TestSubscribePostFilterBlocks(t *testing.T) {
	post := func(req model.AccessRequest) error { return model.ErrAccessDenied }
	r := newRig(t, schemaWithHooks(nil, post))
	r.store.docs["Item/i1"] = model.Resource{"id": "i1", "owner": "u1"}
	sock := r.broker.Connect()

	_, err := sock.Subscribe(context.Background(), "crud>Item/i1")
	var blocked *model.CRUDBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, model.BlockedPost, blocked.Type)
}

func TestSubscribeNonCRUDChannelPassesThrough(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	sock := r.broker.Connect()
	_, err := sock.Subscribe(context.Background(), "chat>general")
	assert.NoError(t, err)
}

// Scenario F: the writer's own socket never sees its publication echoed
// back; everyone else receives a sanitised payload.
func TestPublisherEchoSuppression(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	r.store.docs["Item/i1"] = model.Resource{"id": "i1", "owner": "u1"}

	writer := r.broker.Connect()
	watcher := r.broker.Connect()
	_, err := writer.Subscribe(context.Background(), "crud>Item/i1/owner")
	require.NoError(t, err)
	_, err = watcher.Subscribe(context.Background(), "crud>Item/i1/owner")
	require.NoError(t, err)

	err = r.engine.Update(context.Background(), model.Query{
		Type: "Item", ID: "i1", Field: "owner", Value: "u2",
	}, writer)
	require.NoError(t, err)

	select {
	case msg := <-watcher.Receive():
		payload, ok := msg.Data.(*crud.Payload)
		require.True(t, ok)
		assert.Equal(t, "update", payload.Type)
		assert.Equal(t, "u2", payload.Value)
		assert.Empty(t, payload.PublisherSocketID, "publisher identifiers are stripped")
		assert.Empty(t, payload.PublisherID)
	case <-time.After(time.Second):
		t.Fatal("watcher received nothing")
	}

	select {
	case msg := <-writer.Receive():
		t.Fatalf("writer received its own echo: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisherIDMarkerAllowsEcho(t *testing.T) {
	r := newRig(t, schemaWithHooks(nil, nil))
	r.store.docs["Item/i1"] = model.Resource{"id": "i1", "owner": "u1"}

	writer := r.broker.Connect()
	_, err := writer.Subscribe(context.Background(), "crud>Item/i1/owner")
	require.NoError(t, err)

	err = r.engine.Update(context.Background(), model.Query{
		Type: "Item", ID: "i1", Field: "owner", Value: "u2", PublisherID: "req-42",
	}, writer)
	require.NoError(t, err)

	select {
	case msg := <-writer.Receive():
		payload, ok := msg.Data.(*crud.Payload)
		require.True(t, ok)
		assert.Equal(t, "req-42", payload.PublisherID, "the marker survives")
		assert.Empty(t, payload.PublisherSocketID)
	case <-time.After(time.Second):
		t.Fatal("marked echo was suppressed")
	}
}

func TestMergeClientViewParamsProtectsRoutingFields(t *testing.T) {
	q := &model.Query{View: "byOwner", ViewParams: map[string]any{"owner": "u1"}}
	mergeClientViewParams(q, map[string]any{
		"viewParams": map[string]any{"owner": "u2", "limitTo": "open"},
	}, map[string]struct{}{"owner": {}})

	assert.Equal(t, "u1", q.ViewParams["owner"], "primary fields cannot be rewritten")
	assert.Equal(t, "open", q.ViewParams["limitTo"], "non-routing params are honoured")
}
