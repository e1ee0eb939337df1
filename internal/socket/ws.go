package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// WSTransport bridges WebSocket connections onto the in-memory broker. The
// frame protocol is JSON, one object per message:
//
//	-> {"type":"invoke","id":1,"procedure":"crud","data":{...}}
//	<- {"type":"response","id":1,"data":...} | {"type":"response","id":1,"error":"..."}
//	-> {"type":"subscribe","id":2,"channel":"crud>Item/i1"}
//	-> {"type":"unsubscribe","channel":"crud>Item/i1"}
//	-> {"type":"publish","channel":"...","data":...}
//	<- {"type":"#publish","channel":"...","data":...}
type WSTransport struct {
	Server *MemoryServer
	Log    zerolog.Logger

	// ReadLimit bounds a single frame; zero means 1MB.
	ReadLimit int64
	// OpDeadline bounds each frame write; zero means 30s. Reads wait on the
	// connection context without a deadline.
	OpDeadline time.Duration
}

type wsFrame struct {
	Type      string          `json:"type"`
	ID        int64           `json:"id,omitempty"`
	Procedure string          `json:"procedure,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type wsReply struct {
	Type    string `json:"type"`
	ID      int64  `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServeHTTP upgrades the request and attaches a broker socket for the
// connection's lifetime. The auth token arrives as an opaque bearer value on
// the Authorization header or ?token= and is never inspected here.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	limit := t.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	deadline := t.OpDeadline
	if deadline == 0 {
		deadline = 30 * time.Second
	}

	var authToken any
	if tok := r.Header.Get("Authorization"); tok != "" {
		authToken = tok
	} else if tok := r.URL.Query().Get("token"); tok != "" {
		authToken = tok
	}

	sock := t.Server.ConnectWithAuth(authToken)
	defer sock.Close()
	log := t.Log.With().Str("socket_id", sock.ID()).Logger()
	log.Debug().Msg("socket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writes := make(chan wsReply, receiveBuffer)

	// Writer pump: replies and delivered publications share one writer so
	// frames never interleave.
	go func() {
		for {
			var reply wsReply
			select {
			case msg, ok := <-sock.Receive():
				if !ok {
					cancel()
					return
				}
				reply = wsReply{Type: "#publish", Channel: msg.Channel, Data: msg.Data}
			case rep, ok := <-writes:
				if !ok {
					return
				}
				reply = rep
			case <-ctx.Done():
				return
			}
			buf, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, deadline)
			err = c.Write(wctx, websocket.MessageText, buf)
			wcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			log.Debug().Msg("socket disconnected")
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		t.handleFrame(ctx, sock, frame, writes)
	}
}

func (t *WSTransport) handleFrame(ctx context.Context, sock *MemorySocket, frame wsFrame, writes chan<- wsReply) {
	var data any
	if len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &data)
	}
	switch frame.Type {
	case "invoke":
		// Invocations block until the procedure consumer replies; keeping
		// them on the read loop preserves per-socket arrival order.
		result, err := sock.Invoke(ctx, frame.Procedure, data)
		reply := wsReply{Type: "response", ID: frame.ID}
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Data = result
		}
		select {
		case writes <- reply:
		case <-ctx.Done():
		}
	case "subscribe":
		payload, err := sock.Subscribe(ctx, frame.Channel)
		reply := wsReply{Type: "response", ID: frame.ID, Channel: frame.Channel}
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Data = payload
		}
		select {
		case writes <- reply:
		case <-ctx.Done():
		}
	case "unsubscribe":
		sock.Unsubscribe(frame.Channel)
	case "publish":
		if err := sock.Publish(ctx, frame.Channel, data); err != nil {
			select {
			case writes <- wsReply{Type: "response", ID: frame.ID, Error: err.Error()}:
			case <-ctx.Done():
			}
		}
	}
}
