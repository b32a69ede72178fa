// Package session wires a panflux.Client to the durable state the
// binaries share: the bbolt store, the broadcast spool and the loopback
// login server.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panflux/sdk-go/internal/broadcast"
	"github.com/panflux/sdk-go/internal/config"
	"github.com/panflux/sdk-go/internal/loopback"
	"github.com/panflux/sdk-go/internal/storage"
	"github.com/panflux/sdk-go/panflux"
)

// TokenKey holds the last issued token so later processes can reuse it.
const TokenKey = "panflux.token"

// Session is a Client wired to the durable state of one OAuth2 client.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Store
	spool  *broadcast.Channel
	env    *loopback.Environment
	client *panflux.Client

	// loginMu keeps one browser login, and so one loopback Wait, at a time.
	loginMu sync.Mutex
}

// Client is the session's client.
func (s *Session) Client() *panflux.Client {
	return s.client
}

// Confidential reports whether the session logs in with client
// credentials rather than the browser.
func (s *Session) Confidential() bool {
	return s.env == nil
}

// Open loads the cached token and builds a Client. Public clients
// get the loopback browser environment, configured with envOpts, and the
// cross-process spool.
func Open(cfg *config.Config, logger *slog.Logger, envOpts ...loopback.Option) (*Session, error) {
	store, err := storage.LoadAt(cfg.StatePath, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	s := &Session{cfg: cfg, logger: logger, store: store}

	sdkCfg := cfg.SDK()
	opts := []panflux.Option{
		panflux.WithLogger(logger),
		panflux.WithStorage(store),
	}

	if !cfg.Confidential() {
		s.env, err = loopback.New(cfg.CallbackAddr, logger, envOpts...)
		if err != nil {
			s.Close()
			return nil, err
		}

		s.spool, err = broadcast.Open(cfg.BroadcastDir, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening broadcast spool: %w", err)
		}

		// The callback lands in this process, so the code is exchanged here
		// rather than handed to another tab.
		sdkCfg.SameWindow = true
		sdkCfg.ReturnURL = s.env.Origin()

		opts = append(opts, panflux.WithRuntime(s.env), panflux.WithBroadcast(s.spool))
	}

	cached, err := LoadToken(store)
	if err != nil {
		logger.Warn("ignoring cached token", slog.String("error", err.Error()))
	}

	s.client = panflux.Init(sdkCfg, cached, opts...)

	s.client.OnNewToken(func(tok *panflux.Token) {
		if err := SaveToken(store, tok); err != nil {
			logger.Warn("caching token", slog.String("error", err.Error()))
		}
	})

	s.client.OnError(func(err error) {
		logger.Debug("client error", slog.String("error", err.Error()))
	})

	return s, nil
}

// EnsureToken makes sure the client holds a usable token, completing a
// browser login through the loopback server when one is needed.
func (s *Session) EnsureToken(ctx context.Context) (*panflux.Token, error) {
	if s.env != nil {
		s.loginMu.Lock()
		defer s.loginMu.Unlock()

		if err := s.env.Listen(); err != nil {
			return nil, err
		}
	}

	_, err := s.client.GetLink(ctx)
	if err == nil {
		return s.client.Token(), nil
	}

	if s.env == nil || !errors.Is(err, panflux.ErrLoginPending) {
		return nil, err
	}

	return s.env.Wait(ctx, s.client)
}

// Query runs a GraphQL document, logging in first when needed.
func (s *Session) Query(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	if _, err := s.EnsureToken(ctx); err != nil {
		return nil, err
	}

	return s.client.Query(ctx, query, variables)
}

func (s *Session) Token() *panflux.Token { return s.client.Token() }
func (s *Session) HasValidToken() bool   { return s.client.HasValidToken() }
func (s *Session) Resolving() bool       { return s.client.Resolving() }

// Login always starts a fresh login, ignoring any cached token.
func (s *Session) Login(ctx context.Context) (*panflux.Token, error) {
	if s.env == nil {
		return s.client.Authenticate(ctx)
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if err := s.env.Listen(); err != nil {
		return nil, err
	}

	if err := s.client.Login(ctx); err != nil {
		return nil, err
	}

	return s.env.Wait(ctx, s.client)
}

// Logout forgets the cached token and any pending login state.
func (s *Session) Logout() error {
	return s.store.Clear()
}

// Close releases everything Open acquired.
func (s *Session) Close() {
	if s.client != nil {
		s.client.Close()
	}

	if s.spool != nil {
		if err := s.spool.Close(); err != nil {
			s.logger.Debug("closing broadcast spool", slog.String("error", err.Error()))
		}
	}

	if s.env != nil {
		if err := s.env.Close(); err != nil {
			s.logger.Debug("closing callback listener", slog.String("error", err.Error()))
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Debug("closing state", slog.String("error", err.Error()))
	}
}

// LoadToken reads the cached token. It returns nil when none is cached.
func LoadToken(store panflux.Storage) (*panflux.Token, error) {
	raw, ok, err := store.Get(TokenKey)
	if err != nil || !ok {
		return nil, err
	}

	var tok panflux.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding cached token: %w", err)
	}

	return &tok, nil
}

// SaveToken caches tok.
func SaveToken(store panflux.Storage, tok *panflux.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	return store.Set(TokenKey, string(data))
}
