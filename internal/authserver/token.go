package authserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

const tokenBytes = 32

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	Scope        string   `json:"scope,omitempty"`
	Edges        []string `json:"edges"`
}

// HandleToken serves the token endpoint. Bodies may be JSON, as the SDK
// sends them, or form encoded.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeTokenRequest(w, r)
	if !ok {
		return
	}

	client := s.store.GetClient(req.ClientID)
	if client == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	if client.Secret != "" && subtle.ConstantTimeCompare([]byte(client.Secret), []byte(req.ClientSecret)) != 1 {
		s.opts.Logger.Warn("client authentication failed", slog.String("client_id", client.ID))
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")

		return
	}

	switch req.GrantType {
	case "client_credentials":
		if client.Secret == "" {
			writeJSONError(w, http.StatusBadRequest, "unauthorized_client", "public clients cannot use client_credentials")
			return
		}

		// Nothing to refresh with: the client can always ask again.
		s.issue(w, &Grant{ClientID: client.ID, Scope: req.Scope}, false)
	case "authorization_code":
		s.exchangeCode(w, client, req)
	case "refresh_token":
		s.refreshGrant(w, client, req)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type "+req.GrantType+" is not supported")
	}
}

func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return req, false
		}

		return req, true
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return req, false
	}

	req = tokenRequest{
		GrantType:    r.FormValue("grant_type"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		Scope:        r.FormValue("scope"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
	}

	return req, true
}

func (s *Server) exchangeCode(w http.ResponseWriter, client *Client, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	ac := s.store.ConsumeCode(req.Code, s.opts.Now())
	if ac == nil || ac.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if req.RedirectURI != ac.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}

		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	s.issue(w, &Grant{ClientID: client.ID, Scope: ac.Scope, Verifier: req.CodeVerifier}, true)
}

func (s *Server) refreshGrant(w http.ResponseWriter, client *Client, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	prev := s.store.ConsumeRefresh(req.RefreshToken)
	if prev == nil || prev.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}

	// Public clients prove possession with the verifier of the original
	// login.
	if client.Secret == "" && subtle.ConstantTimeCompare([]byte(prev.Verifier), []byte(req.CodeVerifier)) != 1 {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match")
		return
	}

	s.issue(w, &Grant{ClientID: client.ID, Scope: prev.Scope, Verifier: prev.Verifier}, true)
}

// issue fills in g's tokens, stores it and writes the token response.
func (s *Server) issue(w http.ResponseWriter, g *Grant, withRefresh bool) {
	g.AccessToken = RandomHex(tokenBytes)
	g.ExpiresAt = s.opts.Now().Add(s.opts.TokenTTL)

	if withRefresh {
		g.RefreshToken = RandomHex(tokenBytes)
	}

	s.store.SaveGrant(g)

	s.opts.Logger.Debug("token issued",
		slog.String("client_id", g.ClientID),
		slog.Bool("refreshable", withRefresh),
	)

	edges := s.opts.Edges
	if edges == nil {
		edges = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.opts.TokenTTL.Seconds()),
		Scope:        g.Scope,
		Edges:        edges,
	})
}

// verifyPKCE checks that the S256 hash of verifier matches challenge.
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
