package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	sdkerrors "github.com/panflux/sdk-go/internal/errors"
)

const (
	// subprotocol is the subscriptions-transport-ws protocol name.
	subprotocol = "graphql-ws"

	socketReadLimit = 16 * 1024 * 1024
	ackTimeout      = 10 * time.Second
	writeTimeout    = 10 * time.Second
)

// Message types of the subscriptions-transport-ws protocol.
const (
	msgConnectionInit      = "connection_init"
	msgConnectionAck       = "connection_ack"
	msgConnectionError     = "connection_error"
	msgConnectionTerminate = "connection_terminate"
	msgKeepAlive           = "ka"
	msgStart               = "start"
	msgStop                = "stop"
	msgData                = "data"
	msgError               = "error"
	msgComplete            = "complete"
)

// wsConn abstracts the WebSocket connection so the socket transport can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

type operationMessage struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

type socketSub struct {
	id      string
	req     Request
	handler Handler
	handle  *Subscription
}

// socketTransport multiplexes subscriptions over one lazily dialed
// WebSocket.
//
// A run goroutine owns the connection lifecycle: it dials, waits for
// connection_ack, (re)sends start for every live subscription, and reads
// until the connection drops. Lost connections are re-dialed up to
// reconnectAttempts times in a row; when they are exhausted every live
// subscription receives an error and the next subscribe starts over.
type socketTransport struct {
	url               string
	header            http.Header
	authToken         string
	logger            *slog.Logger
	dial              dialFunc
	reconnectAttempts int
	reconnectInterval time.Duration
	onError           func(error)

	mu      sync.Mutex
	subs    map[string]*socketSub
	conn    wsConn
	running bool
	closed  bool
	retired bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

func (s *socketTransport) subscribe(req Request, h Handler) (*Subscription, error) {
	sub := &socketSub{
		id:      uuid.NewString(),
		req:     req,
		handler: h,
		handle:  &Subscription{},
	}
	sub.handle.stop = func() { s.unsubscribe(sub.id) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, sdkerrors.ErrSocketClosed
	}

	s.subs[sub.id] = sub
	conn := s.conn

	if !s.running {
		s.startLocked()
	}

	ctx := s.runCtx
	s.mu.Unlock()

	// Without a live connection the run loop sends start after the ack.
	if conn != nil {
		if err := s.writeJSON(ctx, conn, startMessage(sub)); err != nil {
			s.logger.Debug("sending start failed, will resend on reconnect",
				slog.String("id", sub.id),
				slog.String("error", err.Error()),
			)
		}
	}

	return sub.handle, nil
}

func (s *socketTransport) unsubscribe(id string) {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	conn := s.conn
	ctx := s.runCtx
	s.mu.Unlock()

	if ok && conn != nil {
		if err := s.writeJSON(ctx, conn, operationMessage{Type: msgStop, ID: id}); err != nil {
			s.logger.Debug("sending stop failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.closeIfRetired()
}

// retire closes the transport once its last subscription ends.
func (s *socketTransport) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()

	s.closeIfRetired()
}

func (s *socketTransport) closeIfRetired() {
	s.mu.Lock()
	idle := s.retired && !s.closed && len(s.subs) == 0
	s.mu.Unlock()

	if idle {
		s.close()
	}
}

func (s *socketTransport) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// startLocked launches the run loop. Caller holds s.mu.
func (s *socketTransport) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.running = true
	s.runCtx = ctx
	s.cancel = cancel
	s.done = done

	go s.run(ctx, done)
}

func (s *socketTransport) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnectInterval
	b.Reset()

	failures := 0

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			s.finish(done, nil)
			return
		}

		if errors.Is(err, sdkerrors.ErrConnectionRejected) {
			s.finish(done, err)
			return
		}

		if connected {
			failures = 0
			b.Reset()
		}

		failures++
		if failures > s.reconnectAttempts {
			s.finish(done, fmt.Errorf("%w: %w", sdkerrors.ErrReconnectExhausted, err))
			return
		}

		delay := b.NextBackOff()
		s.logger.Warn("subscription socket lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("attempt", failures),
			slog.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finish(done, nil)

			return
		case <-timer.C:
		}
	}
}

// finish clears the run state owned by the loop identified by done and,
// when err is non-nil, fails every live subscription with it.
func (s *socketTransport) finish(done chan struct{}, err error) {
	var failed []*socketSub

	s.mu.Lock()
	if s.done == done {
		s.running = false
		s.conn = nil

		if err != nil {
			for _, sub := range s.subs {
				failed = append(failed, sub)
			}

			s.subs = make(map[string]*socketSub)
		}
	}
	s.mu.Unlock()

	for _, sub := range failed {
		sub.handle.markClosed()
		s.deliverError(sub, err)
	}

	s.closeIfRetired()
}

// session runs one connection. connected reports whether the handshake
// completed before the connection ended.
func (s *socketTransport) session(ctx context.Context) (connected bool, err error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn

	subs := make([]*socketSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.logger.Debug("subscription socket connected",
		slog.String("url", s.url),
		slog.Int("subscriptions", len(subs)),
	)

	for _, sub := range subs {
		if err := s.writeJSON(ctx, conn, startMessage(sub)); err != nil {
			s.dropConn(conn)
			return true, fmt.Errorf("sending start: %w", err)
		}
	}

	err = s.readLoop(ctx, conn)
	s.dropConn(conn)

	return true, err
}

func (s *socketTransport) dropConn(conn wsConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "reconnecting")
}

// connect dials the socket, sends connection_init with the bearer token,
// and waits for connection_ack.
func (s *socketTransport) connect(ctx context.Context) (wsConn, error) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	conn, err := s.dial(ctx, s.url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   s.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(socketReadLimit)

	init := operationMessage{
		Type:    msgConnectionInit,
		Payload: map[string]string{"authToken": s.authToken},
	}
	if err := s.writeJSON(ctx, conn, init); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("sending connection_init: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "ack read failed")
			return nil, fmt.Errorf("waiting for connection_ack: %w", err)
		}

		switch gjson.GetBytes(data, "type").String() {
		case msgConnectionAck:
			return conn, nil
		case msgKeepAlive:
		case msgConnectionError:
			conn.Close(websocket.StatusNormalClosure, "connection rejected")
			return nil, fmt.Errorf("%w: %s", sdkerrors.ErrConnectionRejected, gjson.GetBytes(data, "payload").Raw)
		default:
			s.logger.Debug("ignoring message before connection_ack", slog.String("message", string(data)))
		}
	}
}

func (s *socketTransport) readLoop(ctx context.Context, conn wsConn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if err := s.dispatch(data); err != nil {
			return err
		}
	}
}

// dispatch routes one server message to its subscription. Only
// connection-level failures are returned.
func (s *socketTransport) dispatch(data []byte) error {
	msg := gjson.ParseBytes(data)
	id := msg.Get("id").String()
	payload := msg.Get("payload")

	switch typ := msg.Get("type").String(); typ {
	case msgKeepAlive, msgConnectionAck:
	case msgConnectionError:
		return fmt.Errorf("%w: %s", sdkerrors.ErrConnectionRejected, payload.Raw)
	case msgData:
		if sub := s.lookup(id); sub != nil {
			s.deliverData(sub, payload)
		}
	case msgError:
		if sub := s.remove(id); sub != nil {
			sub.handle.markClosed()
			s.deliverError(sub, subscriptionError(payload))
			s.closeIfRetired()
		}
	case msgComplete:
		if sub := s.remove(id); sub != nil {
			sub.handle.markClosed()

			if sub.handler.Complete != nil {
				sub.handler.Complete()
			}

			s.closeIfRetired()
		}
	default:
		s.logger.Debug("ignoring unknown socket message",
			slog.String("type", typ),
			slog.String("id", id),
		)
	}

	return nil
}

func (s *socketTransport) lookup(id string) *socketSub {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subs[id]
}

func (s *socketTransport) remove(id string) *socketSub {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.subs[id]
	delete(s.subs, id)

	return sub
}

func (s *socketTransport) deliverData(sub *socketSub, payload gjson.Result) {
	data := payload.Get("data")
	errs := payload.Get("errors")

	if !data.Exists() && !errs.Exists() {
		s.deliverError(sub, fmt.Errorf("%w: %s", sdkerrors.ErrMalformedEnvelope, payload.Raw))
		return
	}

	if errs.IsArray() && len(errs.Array()) > 0 {
		var gqlErrs []Error
		if err := json.Unmarshal([]byte(errs.Raw), &gqlErrs); err != nil {
			s.deliverError(sub, fmt.Errorf("%w: %w", sdkerrors.ErrMalformedEnvelope, err))
			return
		}

		respErr := &ResponseError{Errors: gqlErrs}
		if !data.Exists() || data.Type == gjson.Null {
			s.deliverError(sub, respErr)
			return
		}

		s.tap(respErr)
	}

	if sub.handler.Next != nil {
		sub.handler.Next(json.RawMessage(data.Raw))
	}
}

func (s *socketTransport) deliverError(sub *socketSub, err error) {
	s.tap(err)

	if sub.handler.Error != nil {
		sub.handler.Error(err)
	}
}

func (s *socketTransport) tap(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// close terminates the connection and stops the run loop. Live
// subscriptions are dropped without callbacks.
func (s *socketTransport) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel := s.cancel

	for _, sub := range s.subs {
		sub.handle.markClosed()
	}

	s.subs = make(map[string]*socketSub)
	s.mu.Unlock()

	var err error

	if conn != nil {
		ctx, cancelWrite := context.WithTimeout(context.Background(), writeTimeout)
		_ = s.writeJSON(ctx, conn, operationMessage{Type: msgConnectionTerminate})
		cancelWrite()

		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	if cancel != nil {
		cancel()
	}

	return err
}

// writeJSON marshals v and writes it as a text frame.
func (s *socketTransport) writeJSON(ctx context.Context, conn wsConn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

func startMessage(sub *socketSub) operationMessage {
	return operationMessage{Type: msgStart, ID: sub.id, Payload: sub.req}
}

// subscriptionError converts an error message payload, which servers send
// either as a single error object or as a list.
func subscriptionError(payload gjson.Result) error {
	var gqlErrs []Error

	if payload.IsArray() {
		if json.Unmarshal([]byte(payload.Raw), &gqlErrs) == nil && len(gqlErrs) > 0 {
			return &ResponseError{Errors: gqlErrs}
		}
	}

	if msg := payload.Get("message"); msg.Exists() {
		return &ResponseError{Errors: []Error{{Message: msg.String()}}}
	}

	return fmt.Errorf("%w: subscription error: %s", sdkerrors.ErrMalformedEnvelope, payload.Raw)
}
