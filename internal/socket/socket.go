// Package socket defines the pub/sub broker contract the engine runs
// against, an in-memory broker implementing it, and a thin WebSocket
// transport. The engine only ever sees these interfaces.
package socket

import "context"

// ActionType enumerates the middleware interposition points.
type ActionType string

const (
	ActionInvoke     ActionType = "INVOKE"
	ActionPublishIn  ActionType = "PUBLISH_IN"
	ActionPublishOut ActionType = "PUBLISH_OUT"
	ActionSubscribe  ActionType = "SUBSCRIBE"
)

// Action is one interception point handed to middleware. The handler must
// decide by calling Allow or Block; returning without a decision allows the
// action with its original payload.
type Action struct {
	Type      ActionType
	Socket    Socket
	AuthToken any
	Channel   string
	// Procedure names the RPC for INVOKE actions.
	Procedure string
	// Data carries the invoke request or the publish payload.
	Data any

	decided    bool
	blockedErr error
	payload    any
	payloadSet bool
}

// Allow lets the action proceed, optionally substituting the payload seen
// downstream.
func (a *Action) Allow(payload ...any) {
	a.decided = true
	if len(payload) > 0 {
		a.payload = payload[0]
		a.payloadSet = true
	}
}

// Block rejects the action with err.
func (a *Action) Block(err error) {
	a.decided = true
	a.blockedErr = err
}

// Outcome resolves the decision after the handler returned.
func (a *Action) Outcome() (payload any, ok bool, err error) {
	if a.blockedErr != nil {
		return nil, false, a.blockedErr
	}
	if a.payloadSet {
		return a.payload, true, nil
	}
	return a.Data, true, nil
}

// MiddlewareFunc handles a stream of actions for one middleware line.
type MiddlewareFunc func(action *Action)

// Message is one publication delivered to a client socket.
type Message struct {
	Channel string `json:"channel"`
	Data    any    `json:"data,omitempty"`
}

// ProcedureRequest is one inbound RPC on a socket procedure stream.
// Exactly one of End or Error must be called.
type ProcedureRequest struct {
	Data any

	reply chan procedureOutcome
}

type procedureOutcome struct {
	result any
	err    error
}

// End replies with a success result.
func (p *ProcedureRequest) End(result any) {
	p.reply <- procedureOutcome{result: result}
}

// Error replies with a failure.
func (p *ProcedureRequest) Error(err error) {
	p.reply <- procedureOutcome{err: err}
}

// Socket is one connected client.
type Socket interface {
	ID() string
	AuthToken() any

	// Procedure returns the ordered request stream for a named RPC. The
	// consumer reads sequentially; requests on one socket never reorder.
	Procedure(name string) <-chan *ProcedureRequest

	// Receive yields publications delivered to this socket after outbound
	// middleware.
	Receive() <-chan Message

	// Subscribe routes through the SUBSCRIBE middleware line. The returned
	// payload is whatever the middleware allowed.
	Subscribe(ctx context.Context, channel string) (any, error)
	Unsubscribe(channel string)

	// Publish routes through the PUBLISH_IN middleware line.
	Publish(ctx context.Context, channel string, data any) error

	// Invoke routes through the INVOKE middleware line and then the
	// procedure stream; it blocks until the consumer replies.
	Invoke(ctx context.Context, procedure string, data any) (any, error)

	Close()
}

// Channel is an engine-side (serverless) subscription obtained from the
// exchange; publications arrive on Observe without middleware.
type Channel interface {
	Name() string
	Observe() <-chan any
	// Unsubscribe detaches this subscription.
	Unsubscribe()
	// Kill detaches and closes the observe stream immediately.
	Kill()
}

// Exchange is the broker surface the engine publishes and subscribes
// through.
type Exchange interface {
	TransmitPublish(ctx context.Context, channel string, data any) error
	Subscribe(ctx context.Context, channel string) (Channel, error)
	IsSubscribed(channel string, includePending bool) bool
}

// Server is the broker surface the daemon wires middleware and handshakes
// on.
type Server interface {
	Exchange() Exchange
	// Handshakes yields each newly connected socket.
	Handshakes() <-chan Socket
	SetInboundMiddleware(fn MiddlewareFunc)
	SetOutboundMiddleware(fn MiddlewareFunc)
	Close()
}
