package crud

import (
	"context"

	"github.com/openbrook/crudcast/internal/channel"
	"github.com/openbrook/crudcast/internal/metrics"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/socket"
)

// ensureResourceSubscription lazily subscribes the engine to a resource
// channel so upstream change notifications invalidate the cached copy.
// Concurrent readers of the same resource share one subscribe attempt; a
// failure rejects them all and clears the buffer so the next read retries.
func (e *Engine) ensureResourceSubscription(ctx context.Context, q model.Query) error {
	path := q.ResourcePath()
	if path == "" {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return &model.DatabaseError{Err: context.Canceled}
	}
	if _, ok := e.resourceChannels[path]; ok {
		e.mu.Unlock()
		return nil
	}
	if _, inFlight := e.subscribeWaiters[path]; inFlight {
		waiter := make(chan error, 1)
		e.subscribeWaiters[path] = append(e.subscribeWaiters[path], waiter)
		e.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.subscribeWaiters[path] = []chan error{}
	e.mu.Unlock()

	name := channel.Resource(q.Type, q.ID)
	ch, err := e.exchange.Subscribe(ctx, name)

	e.mu.Lock()
	waiters := e.subscribeWaiters[path]
	delete(e.subscribeWaiters, path)
	if err != nil {
		e.mu.Unlock()
		subErr := &model.FailedToSubscribeToResourceChannel{Channel: name, Err: err}
		for _, w := range waiters {
			w <- subErr
		}
		return subErr
	}
	e.resourceChannels[path] = ch
	e.mu.Unlock()

	metrics.ResourceSubInc()
	sub := model.Query{Type: q.Type, ID: q.ID}
	go e.consumeResourceChannel(sub, ch)
	for _, w := range waiters {
		w <- nil
	}
	return nil
}

// consumeResourceChannel drains one resource channel for the lifetime of its
// subscription; every notification invalidates the cached copy.
func (e *Engine) consumeResourceChannel(q model.Query, ch socket.Channel) {
	for range ch.Observe() {
		e.HandleResourceChange(q)
	}
}

// HandleResourceChange reacts to a change notification for one resource by
// clearing its cache entry; the entry's release drops the channel
// subscription, and the next read re-establishes both.
func (e *Engine) HandleResourceChange(q model.Query) {
	e.cache.Clear(q)
}

// releaseResourceChannel is the cache's entry-release hook: once a resource
// is no longer cached there is no reason to keep receiving its change
// notifications.
func (e *Engine) releaseResourceChannel(q model.Query) {
	path := q.ResourcePath()
	e.mu.Lock()
	ch := e.resourceChannels[path]
	delete(e.resourceChannels, path)
	e.mu.Unlock()
	if ch != nil {
		ch.Kill()
		metrics.ResourceSubDec()
	}
}

// applyPostAccess runs the model's post access hook. A nil socket denotes a
// server-origin call, which bypasses post filtering.
func (e *Engine) applyPostAccess(q model.Query, sock model.SocketInfo, resource any) error {
	if sock == nil {
		return nil
	}
	post := e.schema[q.Type].Access.Post
	if post == nil {
		return nil
	}
	req := model.AccessRequest{
		Socket:    sock,
		Action:    q.Action,
		AuthToken: sock.AuthToken(),
		Query:     q,
		Resource:  resource,
	}
	if err := post(req); err != nil {
		return liftBlocked(err, model.BlockedPost)
	}
	return nil
}

// liftBlocked upgrades the access-denied sentinel to the canonical blocked
// error; explicit errors from hooks pass through unchanged.
func liftBlocked(err error, stage string) error {
	if err == model.ErrAccessDenied {
		return &model.CRUDBlockedError{Type: stage}
	}
	return err
}
