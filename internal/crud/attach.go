package crud

import (
	"context"
	"encoding/json"

	"github.com/openbrook/crudcast/internal/metrics"
	"github.com/openbrook/crudcast/internal/model"
	"github.com/openbrook/crudcast/internal/socket"
)

// ProcedureName is the single RPC every client speaks.
const ProcedureName = "crud"

// AttachToServer consumes the handshake stream for the engine's lifetime,
// attaching every new socket to the crud procedure.
func (e *Engine) AttachToServer(srv socket.Server) {
	go func() {
		for sock := range srv.Handshakes() {
			e.AttachSocket(sock)
		}
	}()
}

// AttachSocket starts the per-socket consumer. Requests on one socket are
// handled strictly in arrival order: the procedure stream is read
// sequentially and each request completes before the next is taken.
func (e *Engine) AttachSocket(sock socket.Socket) {
	metrics.SocketInc()
	e.log.Debug().Str("socket_id", sock.ID()).Msg("socket attached")
	go func() {
		defer metrics.SocketDec()
		for req := range sock.Procedure(ProcedureName) {
			e.handleRequest(context.Background(), sock, req)
		}
	}()
}

func (e *Engine) handleRequest(ctx context.Context, sock socket.Socket, req *socket.ProcedureRequest) {
	q, err := DecodeQuery(req.Data)
	if err != nil {
		req.Error(e.mapClientError(err, "", model.Query{}))
		return
	}
	var result any
	switch q.Action {
	case model.ActionCreate:
		result, err = e.Create(ctx, q, sock)
	case model.ActionRead:
		result, err = e.Read(ctx, q, sock)
	case model.ActionUpdate:
		err = e.Update(ctx, q, sock)
	case model.ActionDelete:
		err = e.Delete(ctx, q, sock)
	default:
		err = &model.CRUDInvalidOperation{Action: q.Action}
	}
	if err != nil {
		req.Error(e.mapClientError(err, q.Action, q))
		return
	}
	req.End(result)
}

func (e *Engine) mapClientError(err error, action string, q model.Query) error {
	if e.opts.ClientErrorMapper == nil {
		return err
	}
	return e.opts.ClientErrorMapper(err, action, q)
}

// DecodeQuery converts a raw request object into a Query. Structurally
// wrong shapes (non-object request, non-string id) surface as
// CRUDInvalidParams.
func DecodeQuery(data any) (model.Query, error) {
	switch t := data.(type) {
	case model.Query:
		return t, nil
	case *model.Query:
		return *t, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return model.Query{}, &model.CRUDInvalidParams{Message: "request must be a JSON object"}
	}
	var q model.Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return model.Query{}, &model.CRUDInvalidParams{Message: "request is not a valid crud query: " + err.Error()}
	}
	return q, nil
}
