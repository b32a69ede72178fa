package authserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultTokenTTL = time.Hour
	codeExpiry      = 5 * time.Minute
)

// Options configure a Server.
type Options struct {
	Logger *slog.Logger
	// Edges are returned with every token. The SDK talks GraphQL to the
	// first one.
	Edges []string
	// TokenTTL is the lifetime of issued access tokens. Defaults to an hour.
	TokenTTL time.Duration
	// Approve decides the consent step of the authorize endpoint. Nil
	// approves every request.
	Approve func(clientID, scope string) bool
	Now     func() time.Time
}

// Server serves the authorize and token endpoints.
type Server struct {
	store *Store
	opts  Options
}

// New creates a server backed by store.
func New(store *Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Server{store: store, opts: opts}
}

// NewMux routes /authorize and /token to s and serves edge on /graphql
// behind bearer token validation.
func NewMux(s *Server, edge http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", s.HandleAuthorize)
	mux.HandleFunc("/token", s.HandleToken)
	mux.Handle("/graphql", s.Middleware(edge))

	return mux
}

// writeJSONError writes an OAuth error body the SDK decodes into an
// AuthServerError.
func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
