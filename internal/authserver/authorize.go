package authserver

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const authCodeBytes = 32

// redirectWithError sends the user-agent back to the client with an
// error. Only call it once client_id and redirect_uri are trusted.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// HandleAuthorize serves the authorization endpoint. There is no login
// form: Options.Approve stands in for the user.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	client := s.store.GetClient(q.Get("client_id"))
	if client == nil {
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !validateRedirectURI(client, redirectURI) {
		// Never redirect to an unregistered URI.
		http.Error(w, "redirect_uri not registered", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	scope := q.Get("scope")

	if q.Get("response_type") != "code" {
		redirectWithError(w, r, redirectURI, state, "unsupported_response_type", `response_type must be "code"`)
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" && client.Secret == "" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return
	}

	if challenge != "" && q.Get("code_challenge_method") != "S256" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
		return
	}

	if s.opts.Approve != nil && !s.opts.Approve(client.ID, scope) {
		s.opts.Logger.Info("authorization denied", slog.String("client_id", client.ID))
		redirectWithError(w, r, redirectURI, state, "access_denied", "the user denied the request")

		return
	}

	code := RandomHex(authCodeBytes)
	s.store.SaveCode(&AuthCode{
		Code:          code,
		ClientID:      client.ID,
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
		Scope:         scope,
		ExpiresAt:     s.opts.Now().Add(codeExpiry),
	})

	s.opts.Logger.Debug("authorization code issued", slog.String("client_id", client.ID))

	params := url.Values{"code": {code}}
	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// validateRedirectURI checks redirectURI against the client's registered
// URIs. A registered loopback URI matches any port, as native apps bind
// an ephemeral one.
func validateRedirectURI(client *Client, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered || isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

func isLoopbackRedirect(redirectURI, registered string) bool {
	got, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	want, err := url.Parse(registered)
	if err != nil {
		return false
	}

	if got.Scheme != "http" || want.Scheme != "http" || !isLoopbackHost(want.Hostname()) {
		return false
	}

	return got.Hostname() == want.Hostname() && got.Path == want.Path
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
