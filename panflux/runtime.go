package panflux

import "context"

// Platform identifies the kind of context a Client runs in.
type Platform string

const (
	PlatformBrowser  Platform = "browser"
	PlatformHeadless Platform = "headless"
)

// RuntimeEnvironment is selected at construction and decides how Login
// obtains a token.
type RuntimeEnvironment interface {
	Platform() Platform
}

// BrowserEnvironment is a context that can show the authorization page
// to a user and later hand the redirect parameters back to the Client.
type BrowserEnvironment interface {
	RuntimeEnvironment
	// Origin is the default redirect_uri.
	Origin() string
	// Navigate replaces the current page with url.
	Navigate(ctx context.Context, url string) error
	// OpenWindow shows url in a new window or popup.
	OpenWindow(ctx context.Context, url string) error
	// CloseWindow closes the current window. Called from a popup once it
	// has handed its result to the opener.
	CloseWindow() error
}

// Headless is the environment for servers and CLIs. Login falls back to
// the client credentials grant.
type Headless struct{}

func (Headless) Platform() Platform { return PlatformHeadless }
