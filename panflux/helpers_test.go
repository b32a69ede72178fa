package panflux

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubCrypto returns a repeated byte that increments per call.
type stubCrypto struct {
	systemCrypto
	next byte
	err  error
}

func (s *stubCrypto) RandomBytes(n int) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	b := make([]byte, n)
	for i := range b {
		b[i] = s.next
	}
	s.next++

	return b, nil
}

// tokenServer is a fake token endpoint recording every grant body.
type tokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []map[string]string
	status   int
	body     string
}

func newTokenServer(t *testing.T, body string) *tokenServer {
	t.Helper()

	ts := &tokenServer{status: http.StatusOK, body: body}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ts.mu.Lock()
		ts.requests = append(ts.requests, req)
		status, body := ts.status, ts.body
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (ts *tokenServer) respond(status int, body string) {
	ts.mu.Lock()
	ts.status, ts.body = status, body
	ts.mu.Unlock()
}

func (ts *tokenServer) grants() []map[string]string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return append([]map[string]string(nil), ts.requests...)
}

func (ts *tokenServer) config() Config {
	return Config{
		TokenURL:     ts.URL + "/oauth/v2/token",
		AuthURL:      ts.URL + "/oauth/v2/auth",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
}

// fakeLink records operations and answers every query with data.
type fakeLink struct {
	token  *Token
	data   string
	closed atomic.Bool

	mu  sync.Mutex
	ops []Operation
}

func (f *fakeLink) Execute(_ context.Context, op Operation) (json.RawMessage, error) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()

	return json.RawMessage(f.data), nil
}

func (f *fakeLink) Subscribe(_ context.Context, op Operation, obs Observer) (Subscription, error) {
	if obs.Next != nil {
		obs.Next(json.RawMessage(f.data))
	}

	if obs.Complete != nil {
		obs.Complete()
	}

	return &fakeSubscription{}, nil
}

func (f *fakeLink) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeSubscription struct{ closed atomic.Bool }

func (s *fakeSubscription) Unsubscribe() { s.closed.Store(true) }
func (s *fakeSubscription) Closed() bool { return s.closed.Load() }

// countingFactory builds fakeLinks and counts how many were built.
type countingFactory struct {
	data  string
	built atomic.Int32

	mu    sync.Mutex
	links []*fakeLink
}

func (f *countingFactory) build(tok *Token, _ LinkOptions) (Link, error) {
	f.built.Add(1)

	l := &fakeLink{token: tok, data: f.data}

	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()

	return l, nil
}

// fakeBrowser is a BrowserEnvironment that records navigation.
type fakeBrowser struct {
	origin string

	mu       sync.Mutex
	opened   []string
	navigate []string
	closes   int
}

func (b *fakeBrowser) Platform() Platform { return PlatformBrowser }
func (b *fakeBrowser) Origin() string     { return b.origin }

func (b *fakeBrowser) Navigate(_ context.Context, u string) error {
	b.mu.Lock()
	b.navigate = append(b.navigate, u)
	b.mu.Unlock()

	return nil
}

func (b *fakeBrowser) OpenWindow(_ context.Context, u string) error {
	b.mu.Lock()
	b.opened = append(b.opened, u)
	b.mu.Unlock()

	return nil
}

func (b *fakeBrowser) CloseWindow() error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()

	return nil
}

func (b *fakeBrowser) lastURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := append(append([]string(nil), b.opened...), b.navigate...)
	if len(all) == 0 {
		return ""
	}

	return all[len(all)-1]
}

func (b *fakeBrowser) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closes
}

// roundTripFunc serves HTTP from a function, without a listener.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

func mustToken(t *testing.T, body string) *Token {
	t.Helper()

	tok, err := NewToken([]byte(body), testNow)
	require.NoError(t, err)

	return tok
}
