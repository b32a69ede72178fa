package panflux

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Cross-tab message types.
const (
	MessageToken      = "TOKEN"
	MessageOAuthError = "OAUTH_ERROR"
)

// loginPendingTimeout is how long a started login is awaited before an
// implicit renewal may start a new one.
const loginPendingTimeout = 5 * time.Minute

// tabMessage is the payload carried on the broadcast channel.
type tabMessage struct {
	Type             string `json:"type"`
	Code             string `json:"code,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// browserLogin drives the authorization code flow with PKCE and hands
// results between tabs over the broadcast channel.
type browserLogin struct {
	cfg       Config
	env       BrowserEnvironment
	storage   Storage
	broadcast Broadcast
	crypto    Crypto
	logger    *slog.Logger
	now       func() time.Time

	// exchange trades a code for a token and installs it.
	exchange     func(ctx context.Context, code, returnURL string) (*Token, error)
	onOAuthError func(*OAuthCallbackError)
	onError      func(error)

	resolving atomic.Bool

	mu          sync.Mutex
	pkce        *PKCEState
	unsubscribe func()
	closed      bool
	wg          sync.WaitGroup

	// pendingSince is when the login awaiting its callback was started,
	// zero when none is. Guarded by mu.
	pendingSince time.Time
}

// listen subscribes to the broadcast channel. Received codes are
// exchanged in the background under ctx.
func (b *browserLogin) listen(ctx context.Context) {
	if b.broadcast == nil {
		return
	}

	unsubscribe := b.broadcast.Subscribe(func(msg []byte) {
		b.handleMessage(ctx, msg)
	})

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
}

// close stops listening and waits for background exchanges. Messages
// still being dispatched after close are dropped.
func (b *browserLogin) close() {
	b.mu.Lock()
	b.closed = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	b.wg.Wait()
}

func (b *browserLogin) multiTab() bool {
	return b.broadcast != nil
}

func (b *browserLogin) returnURL() string {
	if b.cfg.ReturnURL != "" {
		return b.cfg.ReturnURL
	}

	if b.env != nil {
		return b.env.Origin()
	}

	return ""
}

// start begins a login: it generates and persists PKCE state and sends
// the user to the authorization page. Unless force is set, a login
// started less than loginPendingTimeout ago is left to complete and no
// new one is started, so its state stays valid.
func (b *browserLogin) start(ctx context.Context, force bool) error {
	if b.cfg.ClientID == "" {
		return &ConfigError{Field: "clientID"}
	}

	if b.env == nil {
		return &PlatformError{Platform: PlatformHeadless}
	}

	b.mu.Lock()
	if !force && !b.pendingSince.IsZero() && b.now().Sub(b.pendingSince) < loginPendingTimeout {
		b.mu.Unlock()
		b.logger.Debug("browser login already pending")

		return nil
	}

	pkce, err := NewPKCEState(b.crypto)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	b.pkce = pkce
	b.pendingSince = b.now()
	b.mu.Unlock()

	b.persist(pkce)

	if err := b.open(ctx, b.authCodeURL(pkce)); err != nil {
		b.finish()
		return err
	}

	return nil
}

func (b *browserLogin) open(ctx context.Context, authURL string) error {
	b.logger.Debug("starting browser login", slog.Bool("same_window", b.cfg.SameWindow))

	if b.cfg.SameWindow {
		if err := b.env.Navigate(ctx, authURL); err != nil {
			return fmt.Errorf("navigating to authorization page: %w", err)
		}

		return nil
	}

	if err := b.env.OpenWindow(ctx, authURL); err != nil {
		return fmt.Errorf("opening authorization window: %w", err)
	}

	return nil
}

// finish marks the pending login as over, whatever its outcome.
func (b *browserLogin) finish() {
	b.mu.Lock()
	b.pendingSince = time.Time{}
	b.mu.Unlock()
}

func (b *browserLogin) pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.pendingSince.IsZero()
}

func (b *browserLogin) authCodeURL(pkce *PKCEState) string {
	oc := &oauth2.Config{
		ClientID:    b.cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: b.cfg.AuthURL, TokenURL: b.cfg.TokenURL},
		RedirectURL: b.returnURL(),
		Scopes:      b.cfg.Scope,
	}

	return oc.AuthCodeURL(pkce.CSRFState,
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// persist stores the verifier and CSRF state. Failure weakens the state
// check on return but does not abort the login.
func (b *browserLogin) persist(pkce *PKCEState) {
	if b.storage == nil {
		b.logger.Warn("storage unavailable, state will not be validated on return")
		return
	}

	if err := b.storage.Set(StorageKeyCodeVerifier, pkce.CodeVerifier); err != nil {
		b.logger.Warn("persisting code verifier", slog.String("error", err.Error()))
	}

	if err := b.storage.Set(StorageKeyCSRFState, pkce.CSRFState); err != nil {
		b.logger.Warn("persisting csrf state", slog.String("error", err.Error()))
	}
}

// pkceState returns the PKCE state of the current login, falling back
// to the persisted verifier after a navigation.
func (b *browserLogin) pkceState() *PKCEState {
	b.mu.Lock()
	pkce := b.pkce
	b.mu.Unlock()

	if pkce != nil {
		return pkce
	}

	if b.storage == nil {
		return nil
	}

	verifier, ok, err := b.storage.Get(StorageKeyCodeVerifier)
	if err != nil || !ok {
		return nil
	}

	return &PKCEState{CodeVerifier: verifier}
}

// handleCallback processes redirect parameters. It reports whether they
// belonged to an authorization callback.
func (b *browserLogin) handleCallback(ctx context.Context, params url.Values, returnURL string) (bool, error) {
	if errCode := params.Get("error"); errCode != "" {
		b.finish()

		cbErr := &OAuthCallbackError{Code: errCode, Description: params.Get("error_description")}
		if !b.multiTab() {
			return true, cbErr
		}

		b.publish(tabMessage{Type: MessageOAuthError, Error: cbErr.Code, ErrorDescription: cbErr.Description})
		b.onOAuthError(cbErr)

		if !b.cfg.SameWindow {
			b.closeWindow()
		}

		return true, nil
	}

	code, state := params.Get("code"), params.Get("state")
	if code == "" || state == "" {
		return false, nil
	}

	// The persisted state is consumed below, so this login cannot
	// complete twice.
	b.finish()

	if err := b.verifyState(state); err != nil {
		return true, err
	}

	b.resolving.Store(true)

	if b.multiTab() && !b.cfg.SameWindow {
		b.publish(tabMessage{Type: MessageToken, Code: code})
		b.closeWindow()

		return true, nil
	}

	defer b.resolving.Store(false)

	if returnURL == "" {
		returnURL = b.returnURL()
	}

	if _, err := b.exchange(ctx, code, returnURL); err != nil {
		return true, err
	}

	return true, nil
}

// verifyState compares state with the persisted CSRF value, which is
// discarded whatever the outcome.
func (b *browserLogin) verifyState(state string) error {
	expected, ok := b.expectedState()
	if !ok {
		b.logger.Warn("storage unavailable, skipping oauth state validation")
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		return &StateMismatchError{}
	}

	return nil
}

// expectedState loads and clears the CSRF state. ok is false when no
// store could be consulted at all.
func (b *browserLogin) expectedState() (string, bool) {
	b.mu.Lock()

	var memState string
	if b.pkce != nil {
		memState = b.pkce.CSRFState
		b.pkce.CSRFState = ""
	}
	b.mu.Unlock()

	if b.storage != nil {
		stored, found, err := b.storage.Get(StorageKeyCSRFState)
		if err == nil {
			if delErr := b.storage.Delete(StorageKeyCSRFState); delErr != nil {
				b.logger.Warn("discarding csrf state", slog.String("error", delErr.Error()))
			}

			if found {
				return stored, true
			}

			return memState, true
		}

		b.logger.Warn("reading csrf state", slog.String("error", err.Error()))
	}

	if memState != "" {
		return memState, true
	}

	return "", false
}

func (b *browserLogin) publish(msg tabMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("encoding tab message", slog.String("error", err.Error()))
		return
	}

	if err := b.broadcast.Publish(data); err != nil {
		b.logger.Warn("broadcasting tab message",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (b *browserLogin) closeWindow() {
	if b.env == nil {
		return
	}

	if err := b.env.CloseWindow(); err != nil {
		b.logger.Debug("closing window", slog.String("error", err.Error()))
	}
}

// handleMessage reacts to a message from another tab. Anything that is
// not a well-formed TOKEN or OAUTH_ERROR message is ignored.
func (b *browserLogin) handleMessage(ctx context.Context, msg []byte) {
	if len(msg) == 0 || !gjson.ValidBytes(msg) {
		b.logger.Debug("ignoring malformed tab message")
		return
	}

	parsed := gjson.ParseBytes(msg)

	switch typ := parsed.Get("type").String(); typ {
	case MessageToken:
		code := parsed.Get("code").String()
		if code == "" {
			b.logger.Debug("ignoring tab token message without code")
			return
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}

		b.pendingSince = time.Time{}
		b.wg.Add(1)
		b.mu.Unlock()

		b.resolving.Store(true)

		go func() {
			defer b.wg.Done()
			defer b.resolving.Store(false)

			if _, err := b.exchange(ctx, code, b.returnURL()); err != nil {
				b.onError(&OpError{Op: OpRequestToken, Err: err})
			}
		}()
	case MessageOAuthError:
		b.finish()
		b.onOAuthError(&OAuthCallbackError{
			Code:        parsed.Get("error").String(),
			Description: parsed.Get("error_description").String(),
		})
	default:
		b.logger.Debug("ignoring unknown tab message", slog.String("type", typ))
	}
}

// ParseBrowserResult parses redirect parameters given as a raw query
// string, with or without the leading "?", or as a full URL.
func ParseBrowserResult(raw string) (url.Values, error) {
	raw = strings.TrimSpace(raw)

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing redirect url: %w", err)
		}

		raw = u.RawQuery
	}

	values, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return nil, fmt.Errorf("parsing redirect query: %w", err)
	}

	return values, nil
}
