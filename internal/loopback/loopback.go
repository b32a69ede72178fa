// Package loopback runs the browser login from a terminal. The system
// browser shows the authorization page and redirects to a callback
// server on the loopback interface, which hands the result to the
// Client.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/browser"

	"github.com/panflux/sdk-go/panflux"
)

const (
	// CallbackPath is where the authorization server redirects to.
	CallbackPath = "/callback"

	shutdownTimeout = 5 * time.Second
)

// Environment is a panflux.BrowserEnvironment backed by the system
// browser and a local callback server.
type Environment struct {
	addr   string
	origin string
	logger *slog.Logger
	open   func(url string) error

	mu       sync.Mutex
	listener net.Listener
}

// Option configures an Environment.
type Option func(*Environment)

// WithOpener replaces the system browser, e.g. to print the URL instead.
func WithOpener(open func(url string) error) Option {
	return func(e *Environment) { e.open = open }
}

// New listens on addr (use "127.0.0.1:0" for a free port). The redirect
// URI registered with the authorization server must match Origin.
func New(addr string, logger *slog.Logger, opts ...Option) (*Environment, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for oauth callback: %w", err)
	}

	e := &Environment{
		listener: ln,
		addr:     ln.Addr().String(),
		origin:   "http://" + ln.Addr().String() + CallbackPath,
		logger:   logger,
		open:     browser.OpenURL,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Environment) Platform() panflux.Platform { return panflux.PlatformBrowser }

// Origin is the callback URL of the local server.
func (e *Environment) Origin() string { return e.origin }

// Navigate opens url in the system browser. A terminal has no window of
// its own to navigate.
func (e *Environment) Navigate(ctx context.Context, url string) error {
	return e.OpenWindow(ctx, url)
}

// OpenWindow opens url in the system browser. When no browser can be
// started the URL is logged so the user can open it by hand.
func (e *Environment) OpenWindow(_ context.Context, url string) error {
	e.logger.Info("opening browser for login", slog.String("url", url))

	if err := e.open(url); err != nil {
		e.logger.Warn("could not open browser, open the URL manually",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// CloseWindow is a no-op: the callback page tells the user to close the
// tab.
func (e *Environment) CloseWindow() error { return nil }

// Close releases the listener held for the next Wait.
func (e *Environment) Close() error {
	e.mu.Lock()
	ln := e.listener
	e.listener = nil
	e.mu.Unlock()

	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// Listen binds the callback address again after a Wait has released it.
// Call it before sending the user to the authorization page so the
// redirect cannot arrive before the server is up.
func (e *Environment) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.listenLocked()
}

func (e *Environment) listenLocked() error {
	if e.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("listening for oauth callback: %w", err)
	}

	e.listener = ln

	return nil
}

// takeListener hands the bound listener to a Wait.
func (e *Environment) takeListener() (net.Listener, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.listenLocked(); err != nil {
		return nil, err
	}

	ln := e.listener
	e.listener = nil

	return ln, nil
}

type result struct {
	token *panflux.Token
	err   error
}

// Wait serves the callback until c installs a token, the authorization
// server reports an error, or ctx is done. Calls must not overlap.
func (e *Environment) Wait(ctx context.Context, c *panflux.Client) (*panflux.Token, error) {
	ln, err := e.takeListener()
	if err != nil {
		return nil, err
	}

	results := make(chan result, 1)

	removeToken := c.OnNewToken(func(tok *panflux.Token) {
		deliver(results, result{token: tok})
	})
	defer removeToken()

	removeOAuthError := c.OnOAuthError(func(err *panflux.OAuthCallbackError) {
		deliver(results, result{err: err})
	})
	defer removeOAuthError()

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, e.handleCallback(ctx, c, results))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(results, result{err: fmt.Errorf("serving oauth callback: %w", err)})
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("shutting down callback server", slog.String("error", err.Error()))
		}
	}()

	e.logger.Info("waiting for oauth callback", slog.String("redirect_uri", e.origin))

	select {
	case r := <-results:
		return r.token, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("login cancelled: %w", ctx.Err())
	}
}

func (e *Environment) handleCallback(ctx context.Context, c *panflux.Client, results chan<- result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		handled, err := c.HandleBrowserParams(ctx, r.URL.Query(), e.origin)
		if err != nil {
			writePage(w, http.StatusBadRequest, "Login failed", err.Error())
			deliver(results, result{err: err})

			return
		}

		if !handled {
			writePage(w, http.StatusBadRequest, "Not a login callback", "This address only accepts authorization responses.")
			return
		}

		// The token, or an error reported to the other tabs, reaches Wait
		// through the client's listeners.
		writePage(w, http.StatusOK, "Login complete", "You can close this tab and return to the terminal.")
	}
}

// deliver keeps the first result only.
func deliver(results chan<- result, r result) {
	select {
	case results <- r:
	default:
	}
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.WriteHeader(status)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Panflux: %[1]s</title>
<style>body{font-family:sans-serif;margin:40px;text-align:center}</style></head>
<body><h1>%[1]s</h1><p>%[2]s</p></body>
</html>`, html.EscapeString(title), html.EscapeString(message))
}
