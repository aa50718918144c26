// Package gatewaytest provides an in-process fake Gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"claw-bridge/internal/adapter/gateway"
	"claw-bridge/internal/domain"
)

// Handler answers one request. Returning a non-nil *domain.GatewayError
// produces an ok:false response.
type Handler func(ctx context.Context, req Request) (any, *domain.GatewayError)

// Request is a request frame as received by the fake Gateway.
type Request struct {
	ConnID     uint64
	ID         string
	Method     string
	Params     json.RawMessage
	ReceivedAt time.Time
}

type rawText string

// conn tracks a single WebSocket connection.
type conn struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan any
	done      chan struct{}
	closeOnce sync.Once
	silent    atomic.Bool
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server is a fake Gateway speaking the challenge/connect protocol.
type Server struct {
	token  string
	srv    *httptest.Server
	logger *slog.Logger

	mu       sync.Mutex
	tickMs   int64
	protocol int
	handlers map[string]Handler
	requests []Request
	conns    map[uint64]*conn

	nextID    atomic.Uint64
	dials     atomic.Int64
	accepted  atomic.Int64
	refuse    atomic.Bool
	pingsMute atomic.Bool
	skipChal  atomic.Bool
	dupChal   atomic.Bool
	seq       atomic.Int64
}

// NewServer starts a fake Gateway on a loopback port. connect must present
// token; an empty token accepts anything.
func NewServer(token string) *Server {
	s := &Server{
		token:    token,
		tickMs:   30000,
		protocol: gateway.ProtocolVersion,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlers: make(map[string]Handler),
		conns:    make(map[uint64]*conn),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleUpgrade))
	return s
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/"
}

// Handle registers a handler for method. Safe to call while connections are open.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections(int(websocket.StatusGoingAway), "server shutting down")
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// SetTickInterval sets policy.tickIntervalMs advertised in hello.
func (s *Server) SetTickInterval(ms int64) {
	s.mu.Lock()
	s.tickMs = ms
	s.mu.Unlock()
}

// SetProtocol sets the protocol version the server speaks.
func (s *Server) SetProtocol(v int) {
	s.mu.Lock()
	s.protocol = v
	s.mu.Unlock()
}

// SkipChallenge suppresses connect.challenge on accept while on is true.
func (s *Server) SkipChallenge(on bool) { s.skipChal.Store(on) }

// DuplicateChallenge sends connect.challenge twice on accept while on is true.
func (s *Server) DuplicateChallenge(on bool) { s.dupChal.Store(on) }

// Refuse makes new upgrade requests fail with 503 while on is true.
func (s *Server) Refuse(on bool) { s.refuse.Store(on) }

// MutePings stops the server from answering ping while on is true.
func (s *Server) MutePings(on bool) { s.pingsMute.Store(on) }

// Silence stops every currently open connection from answering anything.
// Connections accepted later behave normally.
func (s *Server) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.silent.Store(true)
	}
}

// DropConnections closes every open connection with code.
func (s *Server) DropConnections(code int, reason string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
		c.ws.Close(websocket.StatusCode(code), reason)
	}
}

// Dials returns how many upgrade requests arrived so far, refused ones included.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Accepted returns how many websocket connections were accepted so far.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Open returns how many connections are currently open.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Requests returns the requests received for method, or all when method is "".
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Push sends an event to every open connection.
func (s *Server) Push(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	seq := s.seq.Add(1)
	frame := gateway.EventFrame{Type: gateway.FrameTypeEvent, Event: event, Payload: raw, Seq: &seq}
	s.broadcast(frame)
	return nil
}

// PushRaw sends data verbatim as a text frame to every open connection.
func (s *Server) PushRaw(data string) {
	s.broadcast(rawText(data))
}

// Respond writes a response frame for id to every open connection, whether
// or not such a request is pending.
func (s *Server) Respond(id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.broadcast(gateway.ResponseFrame{Type: gateway.FrameTypeResponse, ID: id, OK: true, Payload: raw})
	return nil
}

func (s *Server) broadcast(frame any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		select {
		case c.sendCh <- frame:
		default:
			s.logger.Warn("gatewaytest: dropped frame for slow client")
		}
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(8 << 20)

	c := &conn{
		id:     s.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan any, 256),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.accepted.Add(1)

	go s.writeLoop(c)

	if !s.skipChal.Load() {
		s.sendChallenge(c)
		if s.dupChal.Load() {
			s.sendChallenge(c)
		}
	}

	s.readLoop(r.Context(), c)

	c.shutdown()
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) sendChallenge(c *conn) {
	payload, _ := json.Marshal(gateway.Challenge{Nonce: fmt.Sprintf("nonce-%d", c.id), TS: time.Now().UnixMilli()})
	c.sendCh <- gateway.EventFrame{Type: gateway.FrameTypeEvent, Event: domain.EventConnectChallenge, Payload: payload}
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var frame gateway.Frame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			return
		}
		if frame.Type != gateway.FrameTypeRequest {
			continue
		}

		req := Request{ConnID: c.id, ID: frame.ID, Method: frame.Method, Params: frame.Params, ReceivedAt: time.Now()}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		go s.dispatch(ctx, c, req)
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var err error
			if raw, ok := frame.(rawText); ok {
				err = c.ws.Write(ctx, websocket.MessageText, []byte(raw))
			} else {
				err = wsjson.Write(ctx, c.ws, frame)
			}
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, req Request) {
	if c.silent.Load() {
		return
	}

	switch req.Method {
	case gateway.MethodConnect:
		s.handleConnect(c, req)
		return
	case gateway.MethodPing:
		if s.pingsMute.Load() {
			return
		}
		s.respond(c, req.ID, map[string]any{"ts": time.Now().UnixMilli()}, nil)
		return
	}

	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		if req.Method == gateway.MethodSubscribe {
			s.respond(c, req.ID, map[string]any{"subscribed": true}, nil)
			return
		}
		s.respond(c, req.ID, nil, &domain.GatewayError{Code: "METHOD_NOT_FOUND", Message: "unknown method " + req.Method})
		return
	}

	payload, gerr := h(ctx, req)
	if c.silent.Load() {
		return
	}
	s.respond(c, req.ID, payload, gerr)
}

func (s *Server) handleConnect(c *conn, req Request) {
	var params gateway.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.respond(c, req.ID, nil, &domain.GatewayError{Code: "INVALID_PARAMS", Message: err.Error()})
		return
	}
	if s.token != "" && params.Auth.Token != s.token {
		s.respond(c, req.ID, nil, &domain.GatewayError{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}
	s.mu.Lock()
	protocol, tickMs := s.protocol, s.tickMs
	s.mu.Unlock()
	if params.MinProtocol > protocol || params.MaxProtocol < protocol {
		s.respond(c, req.ID, nil, &domain.GatewayError{Code: "PROTOCOL_MISMATCH", Message: "unsupported protocol"})
		return
	}

	s.mu.Lock()
	methods := []string{gateway.MethodPing, gateway.MethodSubscribe}
	for m := range s.handlers {
		methods = append(methods, m)
	}
	s.mu.Unlock()

	s.respond(c, req.ID, gateway.HelloOK{
		Type:     "hello-ok",
		Protocol: protocol,
		Server:   gateway.ServerInfo{Version: "test", Host: "gatewaytest", ConnID: fmt.Sprintf("conn-%d", c.id)},
		Features: gateway.Features{Methods: methods, Events: []string{"tick"}},
		Snapshot: json.RawMessage(`{}`),
		Policy:   gateway.Policy{TickIntervalMs: tickMs},
	}, nil)
}

func (s *Server) respond(c *conn, id string, payload any, gerr *domain.GatewayError) {
	resp := gateway.ResponseFrame{Type: gateway.FrameTypeResponse, ID: id}
	if gerr != nil {
		resp.Error = gerr
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			resp.Error = &domain.GatewayError{Code: "INTERNAL", Message: err.Error()}
		} else {
			resp.OK = true
			resp.Payload = raw
		}
	}
	select {
	case c.sendCh <- resp:
	case <-c.done:
	}
}
