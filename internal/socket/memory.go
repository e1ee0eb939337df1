package socket

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryServer is a complete in-process broker: channel registry, per-socket
// subscriptions, middleware interposition and ordered procedure streams. It
// backs the WebSocket transport and every engine test.
type MemoryServer struct {
	mu sync.Mutex

	// channel name -> engine-side subscriptions
	exchangeSubs map[string][]*memoryChannel
	// channel name -> subscribed client sockets
	socketSubs map[string]map[*MemorySocket]struct{}

	sockets    map[string]*MemorySocket
	handshakes chan Socket

	inbound  MiddlewareFunc
	outbound MiddlewareFunc

	closed bool
}

const (
	handshakeBuffer = 16
	observeBuffer   = 128
	receiveBuffer   = 128
	requestBuffer   = 128
)

func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		exchangeSubs: map[string][]*memoryChannel{},
		socketSubs:   map[string]map[*MemorySocket]struct{}{},
		sockets:      map[string]*MemorySocket{},
		handshakes:   make(chan Socket, handshakeBuffer),
	}
}

func (s *MemoryServer) Exchange() Exchange        { return (*memoryExchange)(s) }
func (s *MemoryServer) Handshakes() <-chan Socket { return s.handshakes }

func (s *MemoryServer) SetInboundMiddleware(fn MiddlewareFunc) {
	s.mu.Lock()
	s.inbound = fn
	s.mu.Unlock()
}

func (s *MemoryServer) SetOutboundMiddleware(fn MiddlewareFunc) {
	s.mu.Lock()
	s.outbound = fn
	s.mu.Unlock()
}

// Connect attaches a new client socket and announces it on the handshake
// stream.
func (s *MemoryServer) Connect() *MemorySocket {
	return s.ConnectWithAuth(nil)
}

// ConnectWithAuth attaches a new client socket carrying an opaque auth
// token.
func (s *MemoryServer) ConnectWithAuth(authToken any) *MemorySocket {
	sock := &MemorySocket{
		id:         uuid.NewString(),
		authToken:  authToken,
		server:     s,
		procedures: map[string]chan *ProcedureRequest{},
		receive:    make(chan Message, receiveBuffer),
		subs:       map[string]struct{}{},
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.closed = true
		close(sock.receive)
		return sock
	}
	s.sockets[sock.id] = sock
	s.mu.Unlock()
	select {
	case s.handshakes <- sock:
	default:
		// handshake consumer not keeping up; drop rather than deadlock
	}
	return sock
}

func (s *MemoryServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sockets := make([]*MemorySocket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()
	for _, sock := range sockets {
		sock.Close()
	}
	close(s.handshakes)
}

func (s *MemoryServer) runMiddleware(fn MiddlewareFunc, action *Action) (any, error) {
	if fn == nil {
		return action.Data, nil
	}
	fn(action)
	payload, ok, err := action.Outcome()
	if !ok {
		return nil, err
	}
	return payload, nil
}

// transmit fans one publication out to engine-side channels and to client
// sockets, interposing the outbound middleware per receiving socket.
func (s *MemoryServer) transmit(channel string, data any) {
	s.mu.Lock()
	engineSubs := append([]*memoryChannel(nil), s.exchangeSubs[channel]...)
	var clients []*MemorySocket
	for sock := range s.socketSubs[channel] {
		clients = append(clients, sock)
	}
	outbound := s.outbound
	s.mu.Unlock()

	for _, ch := range engineSubs {
		ch.deliver(data)
	}
	for _, sock := range clients {
		action := &Action{
			Type:      ActionPublishOut,
			Socket:    sock,
			AuthToken: sock.AuthToken(),
			Channel:   channel,
			Data:      data,
		}
		payload, err := s.runMiddleware(outbound, action)
		if err != nil {
			continue
		}
		sock.deliver(Message{Channel: channel, Data: payload})
	}
}

// memoryExchange exposes the engine-side surface without middleware.
type memoryExchange MemoryServer

func (e *memoryExchange) TransmitPublish(ctx context.Context, channel string, data any) error {
	s := (*MemoryServer)(e)
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}
	s.transmit(channel, data)
	return nil
}

func (e *memoryExchange) Subscribe(ctx context.Context, channel string) (Channel, error) {
	s := (*MemoryServer)(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	ch := &memoryChannel{
		name:    channel,
		server:  s,
		observe: make(chan any, observeBuffer),
	}
	s.exchangeSubs[channel] = append(s.exchangeSubs[channel], ch)
	return ch, nil
}

func (e *memoryExchange) IsSubscribed(channel string, includePending bool) bool {
	s := (*MemoryServer)(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchangeSubs[channel]) > 0
}

type memoryChannel struct {
	name    string
	server  *MemoryServer
	observe chan any

	mu       sync.Mutex
	detached bool
}

func (c *memoryChannel) Name() string        { return c.name }
func (c *memoryChannel) Observe() <-chan any { return c.observe }

func (c *memoryChannel) deliver(data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	select {
	case c.observe <- data:
	default:
	}
}

func (c *memoryChannel) detach(closeStream bool) {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	c.mu.Unlock()

	s := c.server
	s.mu.Lock()
	subs := s.exchangeSubs[c.name]
	for i, sub := range subs {
		if sub == c {
			s.exchangeSubs[c.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.exchangeSubs[c.name]) == 0 {
		delete(s.exchangeSubs, c.name)
	}
	s.mu.Unlock()
	if closeStream {
		close(c.observe)
	}
}

func (c *memoryChannel) Unsubscribe() { c.detach(false) }
func (c *memoryChannel) Kill()        { c.detach(true) }

// MemorySocket is a connected client of the in-memory broker.
type MemorySocket struct {
	id        string
	authToken any
	server    *MemoryServer

	mu         sync.Mutex
	procedures map[string]chan *ProcedureRequest
	receive    chan Message
	subs       map[string]struct{}
	closed     bool
}

func (s *MemorySocket) ID() string              { return s.id }
func (s *MemorySocket) Receive() <-chan Message { return s.receive }

func (s *MemorySocket) AuthToken() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// SetAuthToken replaces the opaque token; the engine passes tokens through
// without inspecting them.
func (s *MemorySocket) SetAuthToken(token any) {
	s.mu.Lock()
	s.authToken = token
	s.mu.Unlock()
}

func (s *MemorySocket) Procedure(name string) <-chan *ProcedureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.procedures[name]
	if !ok {
		ch = make(chan *ProcedureRequest, requestBuffer)
		s.procedures[name] = ch
	}
	return ch
}

func (s *MemorySocket) Invoke(ctx context.Context, procedure string, data any) (any, error) {
	s.server.mu.Lock()
	inbound := s.server.inbound
	s.server.mu.Unlock()

	action := &Action{
		Type:      ActionInvoke,
		Socket:    s,
		AuthToken: s.AuthToken(),
		Procedure: procedure,
		Data:      data,
	}
	payload, err := s.server.runMiddleware(inbound, action)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("socket is closed")
	}
	ch, ok := s.procedures[procedure]
	if !ok {
		ch = make(chan *ProcedureRequest, requestBuffer)
		s.procedures[procedure] = ch
	}
	s.mu.Unlock()

	req := &ProcedureRequest{Data: payload, reply: make(chan procedureOutcome, 1)}
	select {
	case ch <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-req.reply:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemorySocket) Subscribe(ctx context.Context, channel string) (any, error) {
	s.server.mu.Lock()
	inbound := s.server.inbound
	s.server.mu.Unlock()

	action := &Action{
		Type:      ActionSubscribe,
		Socket:    s,
		AuthToken: s.AuthToken(),
		Channel:   channel,
	}
	payload, err := s.server.runMiddleware(inbound, action)
	if err != nil {
		return nil, err
	}

	s.server.mu.Lock()
	set, ok := s.server.socketSubs[channel]
	if !ok {
		set = map[*MemorySocket]struct{}{}
		s.server.socketSubs[channel] = set
	}
	set[s] = struct{}{}
	s.server.mu.Unlock()

	s.mu.Lock()
	s.subs[channel] = struct{}{}
	s.mu.Unlock()
	return payload, nil
}

func (s *MemorySocket) Unsubscribe(channel string) {
	s.server.mu.Lock()
	if set, ok := s.server.socketSubs[channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.server.socketSubs, channel)
		}
	}
	s.server.mu.Unlock()
	s.mu.Lock()
	delete(s.subs, channel)
	s.mu.Unlock()
}

func (s *MemorySocket) Publish(ctx context.Context, channel string, data any) error {
	s.server.mu.Lock()
	inbound := s.server.inbound
	s.server.mu.Unlock()

	action := &Action{
		Type:      ActionPublishIn,
		Socket:    s,
		AuthToken: s.AuthToken(),
		Channel:   channel,
		Data:      data,
	}
	payload, err := s.server.runMiddleware(inbound, action)
	if err != nil {
		return err
	}
	s.server.transmit(channel, payload)
	return nil
}

func (s *MemorySocket) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.receive <- msg:
	default:
	}
}

func (s *MemorySocket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	close(s.receive)
	s.mu.Unlock()

	for _, ch := range subs {
		s.Unsubscribe(ch)
	}
	s.server.mu.Lock()
	delete(s.server.sockets, s.id)
	s.server.mu.Unlock()
}
