package graphql

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/panflux/sdk-go/internal/errors"
)

// newTestLink creates a link against srv with fast retries.
func newTestLink(t *testing.T, srv *httptest.Server, onError func(error)) *Link {
	t.Helper()

	l, err := NewLink(Config{
		Edge:              srv.URL + "/",
		AccessToken:       "test-token",
		HTTPClient:        srv.Client(),
		OnError:           onError,
		MaxTries:          3,
		RetryInterval:     time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l
}

func TestEndpoint_TrimsTrailingSlash(t *testing.T) {
	assert.Equal(t, "https://fake.edge.com/graphql", Endpoint("https://fake.edge.com/"))
	assert.Equal(t, "https://fake.edge.com/graphql", Endpoint("https://fake.edge.com"))
}

func TestSocketURL_SwapsScheme(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://fake.edge.com/graphql", "wss://fake.edge.com/graphql"},
		{"http://127.0.0.1:8080/graphql", "ws://127.0.0.1:8080/graphql"},
		{"wss://fake.edge.com/graphql", "wss://fake.edge.com/graphql"},
	}
	for _, tt := range tests {
		got, err := SocketURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := SocketURL("ftp://fake.edge.com/graphql")
	assert.Error(t, err)
}

func TestNewLink_RequiresEdge(t *testing.T) {
	_, err := NewLink(Config{AccessToken: "x"})
	assert.ErrorContains(t, err, "edge is required")
}

func TestExecute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "query Me { me { id } }", req.Query)
		assert.Equal(t, "42", req.Variables["id"])

		w.Write([]byte(`{"data":{"me":{"id":"42"}}}`))
	}))
	defer srv.Close()

	l := newTestLink(t, srv, nil)

	data, err := l.Execute(context.Background(), Request{
		Query:     "query Me { me { id } }",
		Variables: map[string]interface{}{"id": "42"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":{"id":"42"}}`, string(data))
}

func TestExecute_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var tapped []error

	l := newTestLink(t, srv, func(err error) { tapped = append(tapped, err) })

	_, err := l.Execute(context.Background(), Request{Query: "{ bad }"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrResponseNotSuccessful)
	assert.Contains(t, err.Error(), "response not successful: received status code 400")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retried")
	assert.Len(t, tapped, 1, "error tap sees the failure")
}

func TestExecute_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var (
		mu     sync.Mutex
		tapped int
	)

	l := newTestLink(t, srv, func(error) {
		mu.Lock()
		tapped++
		mu.Unlock()
	})

	_, err := l.Execute(context.Background(), Request{Query: "{ me { id } }"})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load(), "5xx responses are retried up to MaxTries")

	mu.Lock()
	assert.Equal(t, 3, tapped, "every attempt is observed")
	mu.Unlock()
}

func TestExecute_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer srv.Close()

	l := newTestLink(t, srv, nil)

	data, err := l.Execute(context.Background(), Request{Query: "{ ok }"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_GraphQLErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":null,"errors":[{"message":"Cannot query field \"nope\""}]}`))
	}))
	defer srv.Close()

	l := newTestLink(t, srv, nil)

	_, err := l.Execute(context.Background(), Request{Query: "{ nope }"})

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, `Cannot query field "nope"`, respErr.Errors[0].Message)
	assert.Equal(t, int32(1), calls.Load(), "GraphQL errors are not retried")
}

func TestExecute_MalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	l := newTestLink(t, srv, nil)

	_, err := l.Execute(context.Background(), Request{Query: "{ me }"})
	assert.ErrorIs(t, err, sdkerrors.ErrMalformedEnvelope)
}

func TestSubscribe_QueryRunsOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"data":{"me":{"id":"1"}}}`))
	}))
	defer srv.Close()

	l := newTestLink(t, srv, nil)

	got := make(chan json.RawMessage, 1)
	done := make(chan struct{})

	sub, err := l.Subscribe(context.Background(), Request{Query: "{ me { id } }"}, Handler{
		Next:     func(data json.RawMessage) { got <- data },
		Complete: func() { close(done) },
	})
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.JSONEq(t, `{"me":{"id":"1"}}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no completion delivered")
	}

	assert.True(t, sub.Closed())
}
