package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	sdkerrors "github.com/panflux/sdk-go/internal/errors"
)

const (
	defaultMaxTries          = 5
	defaultRetryInterval     = 300 * time.Millisecond
	defaultReconnectAttempts = 3
	defaultReconnectInterval = time.Second
	defaultHTTPTimeout       = 30 * time.Second
)

// Handler receives the results of a subscription. Nil callbacks are
// skipped.
type Handler struct {
	Next     func(data json.RawMessage)
	Error    func(err error)
	Complete func()
}

// Subscription is a handle on a running subscription.
type Subscription struct {
	closed atomic.Bool
	once   sync.Once
	stop   func()
}

// Unsubscribe stops the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)

		if s.stop != nil {
			s.stop()
		}
	})
}

// Closed reports whether the subscription was stopped, completed, or
// failed.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

func (s *Subscription) markClosed() {
	s.closed.Store(true)
}

// Config describes one link. A link is bound to a single access token and
// is rebuilt when the token changes.
type Config struct {
	// Edge is the API base URI from the token response.
	Edge        string
	AccessToken string
	// HTTPClient is the base client. Its transport is wrapped to add the
	// bearer token.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnError observes every transport and GraphQL error, including the
	// ones that are retried.
	OnError func(error)

	MaxTries          uint
	RetryInterval     time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
}

// Link executes operations against one edge. Queries and mutations go
// over HTTP with retry; subscriptions go over the socket transport.
type Link struct {
	endpoint      string
	http          *httpTransport
	socket        *socketTransport
	logger        *slog.Logger
	onError       func(error)
	maxTries      uint
	retryInterval time.Duration
}

// Endpoint derives the GraphQL endpoint from an edge URI.
func Endpoint(edge string) string {
	return strings.TrimSuffix(edge, "/") + "/graphql"
}

// SocketURL swaps the scheme of an HTTP endpoint for its WebSocket
// counterpart.
func SocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	return u.String(), nil
}

// NewLink builds a link for cfg. No connection is made until the first
// operation.
func NewLink(cfg Config) (*Link, error) {
	if cfg.Edge == "" {
		return nil, fmt.Errorf("edge is required")
	}

	endpoint := Endpoint(cfg.Edge)

	socketURL, err := SocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultHTTPTimeout}
	}

	bearer := &oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}
	authClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(bearer),
			Base:   base.Transport,
		},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}

	header := http.Header{}
	header.Set("Authorization", bearer.Type()+" "+bearer.AccessToken)

	l := &Link{
		endpoint:      endpoint,
		http:          &httpTransport{client: authClient, endpoint: endpoint},
		logger:        logger,
		onError:       cfg.OnError,
		maxTries:      cfg.MaxTries,
		retryInterval: cfg.RetryInterval,
	}

	if l.maxTries == 0 {
		l.maxTries = defaultMaxTries
	}

	if l.retryInterval <= 0 {
		l.retryInterval = defaultRetryInterval
	}

	l.socket = &socketTransport{
		url:               socketURL,
		header:            header,
		authToken:         cfg.AccessToken,
		logger:            logger,
		dial:              dialWebsocket,
		reconnectAttempts: cfg.ReconnectAttempts,
		reconnectInterval: cfg.ReconnectInterval,
		onError:           cfg.OnError,
		subs:              make(map[string]*socketSub),
	}

	if l.socket.reconnectAttempts <= 0 {
		l.socket.reconnectAttempts = defaultReconnectAttempts
	}

	if l.socket.reconnectInterval <= 0 {
		l.socket.reconnectInterval = defaultReconnectInterval
	}

	return l, nil
}

// EndpointURL returns the HTTP GraphQL endpoint of the link.
func (l *Link) EndpointURL() string {
	return l.endpoint
}

// Execute runs a single operation and returns its data. Subscription
// operations return their first result.
func (l *Link) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if IsSubscription(req.Query) {
		return l.firstResult(ctx, req)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryInterval
	b.Reset()

	op := func() (json.RawMessage, error) {
		data, err := l.http.do(ctx, req)
		if err == nil {
			return data, nil
		}

		l.tap(err)

		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			l.logger.Debug("retrying graphql request",
				slog.String("endpoint", l.endpoint),
				slog.String("error", err.Error()),
				slog.Duration("backoff", d),
			)
		}),
	)
}

// Subscribe starts a subscription. Non-subscription operations are run
// once over HTTP and delivered as a single result followed by completion.
// The subscription stops when ctx is cancelled.
func (l *Link) Subscribe(ctx context.Context, req Request, h Handler) (*Subscription, error) {
	if !IsSubscription(req.Query) {
		return l.subscribeOnce(ctx, req, h), nil
	}

	sub, err := l.socket.subscribe(req, h)
	if err != nil {
		return nil, err
	}

	context.AfterFunc(ctx, sub.Unsubscribe)

	return sub, nil
}

func (l *Link) subscribeOnce(ctx context.Context, req Request, h Handler) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{stop: cancel}

	go func() {
		defer cancel()

		data, err := l.Execute(ctx, req)
		if sub.Closed() {
			return
		}

		sub.markClosed()

		if err != nil {
			if h.Error != nil {
				h.Error(err)
			}

			return
		}

		if h.Next != nil {
			h.Next(data)
		}

		if h.Complete != nil {
			h.Complete()
		}
	}()

	return sub
}

func (l *Link) firstResult(ctx context.Context, req Request) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}

	ch := make(chan result, 1)
	send := func(r result) {
		select {
		case ch <- r:
		default:
		}
	}

	sub, err := l.socket.subscribe(req, Handler{
		Next:     func(data json.RawMessage) { send(result{data: data}) },
		Error:    func(err error) { send(result{err: err}) },
		Complete: func() { send(result{err: fmt.Errorf("%w: subscription completed without data", sdkerrors.ErrMalformedEnvelope)}) },
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the subscription socket if one was opened. Live
// subscriptions are dropped.
func (l *Link) Close() error {
	return l.socket.close()
}

// Retire lets live subscriptions run to completion and closes the link
// once the last one ends. New HTTP operations are still served.
func (l *Link) Retire() {
	l.socket.retire()
}

// Closed reports whether the subscription socket has been shut down.
func (l *Link) Closed() bool {
	return l.socket.isClosed()
}

func (l *Link) tap(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// retryable reports whether a failed HTTP operation may succeed on a
// later attempt. Client errors and GraphQL-level errors never do.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.clientError()
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return false
	}

	return !errors.Is(err, sdkerrors.ErrMalformedEnvelope)
}
