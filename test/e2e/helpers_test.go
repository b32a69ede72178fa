package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/panflux/sdk-go/internal/authserver"
	"github.com/panflux/sdk-go/internal/config"
	"github.com/panflux/sdk-go/internal/loopback"
	"github.com/panflux/sdk-go/internal/mcpserver"
	"github.com/panflux/sdk-go/internal/session"
)

const (
	publicClientID = "e2e-cli"
	svcClientID    = "e2e-svc"
	svcSecret      = "e2e-test-secret-value"
)

// harness is a running authorization server with a GraphQL edge behind
// it, both on one httptest server.
type harness struct {
	URL   string
	Store *authserver.Store
}

// newHarness registers one public and one confidential client. The edge
// answers every document with the calling client and the query text.
func newHarness(t *testing.T, opts authserver.Options) *harness {
	t.Helper()

	store := authserver.NewStore()
	t.Cleanup(store.Stop)

	store.RegisterClient(&authserver.Client{
		ID:           publicClientID,
		RedirectURIs: []string{"http://127.0.0.1" + loopback.CallbackPath},
	})
	store.RegisterClient(&authserver.Client{ID: svcClientID, Secret: svcSecret})

	// The edge URL goes into every token, so the address is needed
	// before the handler is built.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	opts.Edges = []string{serverURL + "/"}
	srv := authserver.New(store, opts)

	ts.Config.Handler = authserver.NewMux(srv, http.HandlerFunc(echoEdge))
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{URL: serverURL, Store: store}
}

func echoEdge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":{"client":%q,"echo":%q}}`, authserver.RequestClientID(r.Context()), req.Query)
}

func (h *harness) config(t *testing.T, clientID, secret string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	return &config.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		AuthURL:      h.URL + "/authorize",
		TokenURL:     h.URL + "/token",
		Scope:        "read",
		CallbackAddr: "127.0.0.1:0",
		StatePath:    filepath.Join(dir, "state.db"),
		BroadcastDir: filepath.Join(dir, "spool"),
	}
}

// userAgent plays the browser: it loads the authorization URL and
// follows the redirect back to the loopback callback.
func userAgent(t *testing.T) loopback.Option {
	return loopback.WithOpener(func(authURL string) error {
		go func() {
			client := &http.Client{Timeout: 10 * time.Second}

			resp, err := client.Get(authURL)
			if err != nil {
				t.Errorf("following authorization url: %v", err)
				return
			}
			resp.Body.Close()
		}()

		return nil
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSession(t *testing.T, cfg *config.Config) *session.Session {
	t.Helper()

	s, err := session.Open(cfg, testLogger(), userAgent(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// mcpSession connects an MCP client to tools backed by s.
func mcpSession(t *testing.T, s *session.Session) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "panflux-mcp-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(server, s)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return cs
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, dest interface{}) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}
