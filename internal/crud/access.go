package crud

import (
	"context"

	"github.com/openbrook/crudcast/internal/model"
)

// Engine-side hooks used by the access filter; the filter package owns the
// middleware plumbing, the engine owns resource fetching and hook dispatch.

// ApplyPreAccess runs the model's pre access hook for an invocation or
// subscription. Models without a hook allow unless the engine was built
// with BlockPreByDefault.
func (e *Engine) ApplyPreAccess(q model.Query, sock model.SocketInfo) error {
	pre := e.schema[q.Type].Access.Pre
	if pre == nil {
		if e.opts.BlockPreByDefault {
			return &model.CRUDBlockedError{Type: model.BlockedPre}
		}
		return nil
	}
	var token any
	if sock != nil {
		token = sock.AuthToken()
	}
	req := model.AccessRequest{
		Socket:    sock,
		Action:    q.Action,
		AuthToken: token,
		Query:     q,
	}
	if err := pre(req); err != nil {
		return liftBlocked(err, model.BlockedPre)
	}
	return nil
}

// ApplyPostAccess runs the model's post access hook against a pre-fetched
// subject.
func (e *Engine) ApplyPostAccess(q model.Query, sock model.SocketInfo, resource any) error {
	return e.applyPostAccess(q, sock, resource)
}

// FetchForSubscribe pre-fetches the subject of a subscription for the post
// access hook: the single document through the cache (establishing the
// resource channel subscription on the way), or a page of ids for a view.
func (e *Engine) FetchForSubscribe(ctx context.Context, q model.Query) (any, error) {
	if q.ID != "" {
		if err := e.ensureResourceSubscription(ctx, q); err != nil {
			return nil, err
		}
		return e.cache.Pass(ctx, q, func(ctx context.Context) (model.Resource, error) {
			return e.store.Get(ctx, q.Type, q.ID)
		})
	}
	return e.fetchCollectionPage(ctx, q)
}

// fetchCollectionPage runs the transformed collection query without access
// filtering; callers layer their own.
func (e *Engine) fetchCollectionPage(ctx context.Context, q model.Query) (*model.CollectionPage, error) {
	view, declaringType, err := e.resolveViewForRead(q)
	if err != nil {
		return nil, err
	}
	pageSize := model.DefaultPageSize
	if q.PageSize != nil {
		pageSize = *q.PageSize
	}
	ids, err := e.store.FetchViewIDs(ctx, declaringType, view, q.ViewParams, q.Offset, pageSize+1)
	if err != nil {
		return nil, err
	}
	isLast := len(ids) < pageSize+1
	if !isLast {
		ids = ids[:pageSize]
	}
	return &model.CollectionPage{Data: ids, IsLastPage: &isLast}, nil
}

// MaxPageSizeFor resolves the page-size cap for a model.
func (e *Engine) MaxPageSizeFor(typ string) int {
	if ms, ok := e.schema[typ]; ok && ms.MaxPageSize > 0 {
		return ms.MaxPageSize
	}
	return e.opts.MaxPageSize
}
