package panflux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const defaultHTTPTimeout = 30 * time.Second

// ErrLoginPending is the cause reported when a browser login has been
// started but the token is not yet available.
var ErrLoginPending = errors.New("browser login in progress")

// ErrClientClosed is returned when a grant completes or a link is
// requested after Close.
var ErrClientClosed = errors.New("client is closed")

// Client owns one token and the GraphQL link built from it.
type Client struct {
	cfg          Config
	httpClient   *http.Client
	logger       *slog.Logger
	storage      Storage
	broadcast    Broadcast
	runtime      RuntimeEnvironment
	crypto       Crypto
	now          func() time.Time
	linkFactory  LinkFactory
	refreshLead  time.Duration
	safetyMargin time.Duration

	authority *TokenAuthority
	browser   *browserLogin
	scheduler *refreshScheduler
	links     linkCache
	events    events
	flight    singleflight.Group

	mu     sync.RWMutex
	token  *Token
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Init creates a Client. A cached token, when given and well formed, is
// installed without emitting a newToken event. A malformed cached token
// is discarded with a warning. Init never fails.
func Init(cfg Config, token *Token, opts ...Option) *Client {
	c := &Client{
		cfg:          cfg.withDefaults(),
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:       slog.Default(),
		storage:      processStorage,
		runtime:      Headless{},
		crypto:       systemCrypto{},
		now:          time.Now,
		linkFactory:  NewGraphQLLink,
		refreshLead:  DefaultRefreshLeadTime,
		safetyMargin: DefaultSafetyMargin,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.authority = NewTokenAuthority(c.httpClient)
	c.authority.now = c.now
	c.scheduler = newRefreshScheduler(c.refreshLead, c.now, c.onRefreshDue)

	env, _ := c.runtime.(BrowserEnvironment)
	c.browser = &browserLogin{
		cfg:          c.cfg,
		env:          env,
		storage:      c.storage,
		broadcast:    c.broadcast,
		crypto:       c.crypto,
		logger:       c.logger,
		now:          c.now,
		exchange:     c.RequestToken,
		onOAuthError: c.events.oauthError.emit,
		onError:      c.events.err.emit,
	}
	c.browser.listen(c.ctx)

	if token != nil {
		if err := c.installToken(token, false); err != nil {
			c.logger.Warn("discarding cached token", slog.String("error", err.Error()))
		}
	}

	return c
}

// Config returns the effective configuration, defaults applied.
func (c *Client) Config() Config {
	return c.cfg
}

// Token returns the installed token, or nil while none is available.
func (c *Client) Token() *Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// HasValidToken reports whether the installed token has not expired.
func (c *Client) HasValidToken() bool {
	return c.Token().ValidAt(c.now(), 0)
}

// Resolving reports whether an authorization code exchange started by a
// browser callback or a sibling tab is under way.
func (c *Client) Resolving() bool {
	return c.browser.resolving.Load()
}

// installToken replaces the current token, drops the link built from the
// previous one and schedules the next renewal.
func (c *Client) installToken(tok *Token, emit bool) error {
	if err := tok.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	c.token = tok
	c.mu.Unlock()

	c.links.invalidate()
	c.scheduler.schedule(tok)

	c.logger.Debug("token installed",
		slog.String("edge", tok.Edge()),
		slog.Int64("expire_time", tok.ExpireTime),
	)

	if emit {
		c.events.newToken.emit(tok)
	}

	return nil
}

// clearToken forgets the current token. Readers see no token until the
// next installation.
func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()

	c.scheduler.cancel()
}

// Login obtains a token the way the runtime environment allows: the
// authorization code flow in a browser, client credentials when
// headless. In a browser Login returns once the user has been sent to
// the authorization page; the token arrives later through
// HandleBrowserResult or a sibling tab. Login always starts afresh,
// while renewals from GetLink wait on a browser login already started.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.login(ctx, true)
	return err
}

// login runs the platform's login. Without force, a browser login that
// is still awaiting its callback is not restarted.
func (c *Client) login(ctx context.Context, force bool) (*Token, error) {
	switch p := c.runtime.Platform(); p {
	case PlatformBrowser:
		return nil, c.browser.start(ctx, force)
	case PlatformHeadless:
		return c.Authenticate(ctx)
	default:
		return nil, &PlatformError{Platform: p}
	}
}

// Authenticate runs the client credentials grant and installs the
// resulting token.
func (c *Client) Authenticate(ctx context.Context) (*Token, error) {
	tok, err := c.authority.ClientCredentialsGrant(ctx, c.cfg)
	if err != nil {
		return nil, err
	}

	if err := c.installToken(tok, true); err != nil {
		return nil, err
	}

	return tok, nil
}

// RequestToken exchanges an authorization code and installs the token.
// An empty returnURL falls back to the configured one or the origin.
func (c *Client) RequestToken(ctx context.Context, code, returnURL string) (*Token, error) {
	if returnURL == "" {
		returnURL = c.browser.returnURL()
	}

	tok, err := c.authority.AuthorizationCodeGrant(ctx, code, returnURL, c.cfg, c.browser.pkceState())
	if err != nil {
		return nil, err
	}

	if err := c.installToken(tok, true); err != nil {
		return nil, err
	}

	return tok, nil
}

// RefreshToken trades the refresh token of tok for a new token. The
// current token is cleared before the grant is sent, so a failed refresh
// leaves the Client without a token.
func (c *Client) RefreshToken(ctx context.Context, tok *Token) (*Token, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, &ConfigError{Field: "refresh_token"}
	}

	c.clearToken()

	next, err := c.authority.RefreshGrant(ctx, tok, c.cfg, c.browser.pkceState())
	if err != nil {
		return nil, err
	}

	if err := c.installToken(next, true); err != nil {
		return nil, err
	}

	return next, nil
}

// renew refreshes tok when it carries a refresh token and falls back to
// a login. The returned token is nil when a browser login was started.
func (c *Client) renew(ctx context.Context, tok *Token) (*Token, error) {
	var refreshErr error

	if tok != nil && tok.RefreshToken != "" {
		next, err := c.RefreshToken(ctx, tok)
		if err == nil {
			return next, nil
		}

		refreshErr = &OpError{Op: OpRefreshToken, Err: err}
		c.logger.Warn("token refresh failed, falling back to login", slog.String("error", err.Error()))
	}

	next, err := c.login(ctx, false)
	if err != nil {
		return nil, errors.Join(refreshErr, &OpError{Op: OpLogin, Err: err})
	}

	return next, nil
}

// acquire renews stale with at most one acquisition in flight. Callers
// that lose the race get the winner's result.
func (c *Client) acquire(ctx context.Context, stale *Token) (*Token, error) {
	v, err, _ := c.flight.Do("token", func() (interface{}, error) {
		if cur := c.Token(); cur != nil && cur != stale && cur.ValidAt(c.now(), c.safetyMargin) {
			return cur, nil
		}

		return c.renew(ctx, stale)
	})

	tok, _ := v.(*Token)

	return tok, err
}

// onRefreshDue runs on the scheduler goroutine. No caller waits on it,
// so failures only reach error listeners.
func (c *Client) onRefreshDue(tok *Token) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()

	c.events.startTokenRefresh.emit(struct{}{})

	if _, err := c.acquire(c.ctx, tok); err != nil {
		c.logger.Error("scheduled token renewal failed", slog.String("error", err.Error()))
		c.events.err.emit(err)
	}
}

// validToken returns a token that is good for at least the safety
// margin, renewing or logging in when needed.
func (c *Client) validToken(ctx context.Context) (*Token, error) {
	tok := c.Token()

	if tok == nil {
		next, err := c.acquire(ctx, nil)
		if err != nil {
			return nil, err
		}

		if next == nil {
			return nil, &TokenExpiredError{Err: ErrLoginPending}
		}

		return next, nil
	}

	if tok.ValidAt(c.now(), c.safetyMargin) {
		return tok, nil
	}

	next, err := c.acquire(ctx, tok)
	if err == nil && next == nil {
		err = ErrLoginPending
	}

	if err != nil {
		c.links.clear()
		return nil, &TokenExpiredError{Err: err}
	}

	return next, nil
}

// GetLink returns the link for the current token, building it on first
// use.
func (c *Client) GetLink(ctx context.Context) (Link, error) {
	tok, err := c.validToken(ctx)
	if err != nil {
		return nil, err
	}

	return c.links.get(tok, c.buildLink)
}

func (c *Client) buildLink(tok *Token) (Link, error) {
	link, err := c.linkFactory(tok, LinkOptions{
		HTTPClient: c.httpClient,
		Logger:     c.logger,
		OnError:    c.events.err.emit,
	})
	if err != nil {
		return nil, fmt.Errorf("building link for %s: %w", tok.Edge(), err)
	}

	return link, nil
}

// Query runs a query or mutation and returns its data. Transport errors
// are also delivered to error listeners.
func (c *Client) Query(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	link, err := c.GetLink(ctx)
	if err != nil {
		return nil, err
	}

	data, err := link.Execute(ctx, Operation{Query: query, Variables: variables})
	if err != nil {
		return nil, &OpError{Op: OpGraphQL, Err: err}
	}

	return data, nil
}

// QueryInto runs Query and decodes its data into out.
func (c *Client) QueryInto(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	data, err := c.Query(ctx, query, variables)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding query result: %w", err)
	}

	return nil
}

// Subscribe starts a subscription. Results arrive on onNext until the
// server completes it, ctx is cancelled, or Unsubscribe is called.
// onError and onComplete may be nil.
func (c *Client) Subscribe(ctx context.Context, query string, onNext func(json.RawMessage), onError func(error), onComplete func()) (Subscription, error) {
	link, err := c.GetLink(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := link.Subscribe(ctx, Operation{Query: query}, Observer{
		Next:     onNext,
		Error:    onError,
		Complete: onComplete,
	})
	if err != nil {
		return nil, &OpError{Op: OpGraphQL, Err: err}
	}

	return sub, nil
}

// HandleBrowserResult processes the redirect of an authorization
// request. raw is a query string, with or without "?", or the full
// redirect URL. It reports whether raw was an authorization callback.
func (c *Client) HandleBrowserResult(ctx context.Context, raw, returnURL string) (bool, error) {
	params, err := ParseBrowserResult(raw)
	if err != nil {
		return false, err
	}

	return c.HandleBrowserParams(ctx, params, returnURL)
}

// HandleBrowserParams is HandleBrowserResult for already parsed
// parameters.
func (c *Client) HandleBrowserParams(ctx context.Context, params url.Values, returnURL string) (bool, error) {
	return c.browser.handleCallback(ctx, params, returnURL)
}

// TokenSource adapts the Client for golang.org/x/oauth2 consumers. Each
// call returns a token valid for the safety margin, renewing as needed.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &clientTokenSource{ctx: ctx, client: c}
}

type clientTokenSource struct {
	ctx    context.Context
	client *Client
}

func (s *clientTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.validToken(s.ctx)
	if err != nil {
		return nil, err
	}

	return tok.OAuth2(), nil
}

// OnNewToken registers fn for every installed token. The returned func
// removes it.
func (c *Client) OnNewToken(fn func(*Token)) func() {
	return c.events.newToken.add(fn)
}

// OnError registers fn for transport errors and background failures.
func (c *Client) OnError(fn func(error)) func() {
	return c.events.err.add(fn)
}

// OnOAuthError registers fn for errors returned by the authorization
// server through another tab or a multi-tab callback.
func (c *Client) OnOAuthError(fn func(*OAuthCallbackError)) func() {
	return c.events.oauthError.add(fn)
}

// OnStartTokenRefresh registers fn, called when a scheduled renewal
// begins.
func (c *Client) OnStartTokenRefresh(fn func()) func() {
	return c.events.startTokenRefresh.add(func(struct{}) { fn() })
}

// Close stops the refresh timer, leaves the broadcast channel and closes
// every link. It waits for background renewals and exchanges to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.scheduler.stop()
		c.browser.close()
		c.wg.Wait()
		c.links.close()
	})

	return nil
}
