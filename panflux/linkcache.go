package panflux

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/panflux/sdk-go/internal/graphql"
)

// Operation is a GraphQL document with its variables.
type Operation struct {
	Query         string
	Variables     map[string]interface{}
	OperationName string
}

// Observer receives subscription results. Nil callbacks are skipped.
type Observer struct {
	Next     func(data json.RawMessage)
	Error    func(err error)
	Complete func()
}

// Subscription is a cancellable handle on a running subscription.
type Subscription interface {
	Unsubscribe()
	Closed() bool
}

// Link is a transport pipeline bound to the token it was built from.
type Link interface {
	Execute(ctx context.Context, op Operation) (json.RawMessage, error)
	Subscribe(ctx context.Context, op Operation, obs Observer) (Subscription, error)
	Close() error
}

// LinkOptions carries the Client collaborators a link is built with.
type LinkOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnError must be called for every transport error so that the
	// Client can republish it as an error event.
	OnError func(error)
}

// LinkFactory builds a link for a token.
type LinkFactory func(tok *Token, opts LinkOptions) (Link, error)

// retirer is implemented by links that can finish their live
// subscriptions before closing.
type retirer interface {
	Retire()
	Closed() bool
}

// NewGraphQLLink is the default LinkFactory: HTTP for queries and
// mutations, graphql-ws for subscriptions, against the token's edge.
func NewGraphQLLink(tok *Token, opts LinkOptions) (Link, error) {
	l, err := graphql.NewLink(graphql.Config{
		Edge:        tok.Edge(),
		AccessToken: tok.AccessToken,
		HTTPClient:  opts.HTTPClient,
		Logger:      opts.Logger,
		OnError:     opts.OnError,
	})
	if err != nil {
		return nil, err
	}

	return &graphqlLink{link: l}, nil
}

type graphqlLink struct {
	link *graphql.Link
}

func (g *graphqlLink) Execute(ctx context.Context, op Operation) (json.RawMessage, error) {
	return g.link.Execute(ctx, toRequest(op))
}

func (g *graphqlLink) Subscribe(ctx context.Context, op Operation, obs Observer) (Subscription, error) {
	sub, err := g.link.Subscribe(ctx, toRequest(op), graphql.Handler{
		Next:     obs.Next,
		Error:    obs.Error,
		Complete: obs.Complete,
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (g *graphqlLink) Close() error { return g.link.Close() }
func (g *graphqlLink) Retire()      { g.link.Retire() }
func (g *graphqlLink) Closed() bool { return g.link.Closed() }

func toRequest(op Operation) graphql.Request {
	return graphql.Request{
		Query:         op.Query,
		Variables:     op.Variables,
		OperationName: op.OperationName,
	}
}

// linkCache memoizes one link per token. The entry is tagged with the
// token pointer, so any replacement of the token forces a rebuild.
type linkCache struct {
	mu      sync.Mutex
	link    Link
	token   *Token
	retired []retirer
	closed  bool
}

func (lc *linkCache) get(tok *Token, build func(*Token) (Link, error)) (Link, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.closed {
		return nil, ErrClientClosed
	}

	if lc.link != nil && lc.token == tok {
		return lc.link, nil
	}

	lc.retireLocked()

	link, err := build(tok)
	if err != nil {
		return nil, err
	}

	lc.link = link
	lc.token = tok

	return link, nil
}

// invalidate drops the cached link. Subscriptions already running on it
// are allowed to finish.
func (lc *linkCache) invalidate() {
	lc.mu.Lock()
	lc.retireLocked()
	lc.mu.Unlock()
}

// clear drops and closes the cached link immediately.
func (lc *linkCache) clear() {
	lc.mu.Lock()
	link := lc.link
	lc.link = nil
	lc.token = nil
	lc.mu.Unlock()

	if link != nil {
		link.Close()
	}
}

// close shuts down the cached link and every retired one. No link is
// built afterwards.
func (lc *linkCache) close() {
	lc.mu.Lock()
	lc.closed = true
	retired := lc.retired
	lc.retired = nil
	lc.mu.Unlock()

	lc.clear()

	for _, r := range retired {
		if link, ok := r.(Link); ok {
			link.Close()
		}
	}
}

func (lc *linkCache) retireLocked() {
	link := lc.link
	lc.link = nil
	lc.token = nil

	live := lc.retired[:0]
	for _, r := range lc.retired {
		if !r.Closed() {
			live = append(live, r)
		}
	}

	lc.retired = live

	if link == nil {
		return
	}

	if r, ok := link.(retirer); ok {
		r.Retire()

		if !r.Closed() {
			lc.retired = append(lc.retired, r)
		}

		return
	}

	link.Close()
}
