package panflux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxTokenResponse bounds how much of a token endpoint response is read.
const maxTokenResponse = 1 << 20

// grantRequest is the JSON body posted to the token endpoint.
type grantRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenAuthority runs the OAuth2 grants against a token endpoint.
type TokenAuthority struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewTokenAuthority creates an authority. If httpClient is nil,
// http.DefaultClient is used.
func NewTokenAuthority(httpClient *http.Client) *TokenAuthority {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &TokenAuthority{httpClient: httpClient, now: time.Now}
}

// ClientCredentialsGrant obtains a token for a confidential client.
func (a *TokenAuthority) ClientCredentialsGrant(ctx context.Context, cfg Config) (*Token, error) {
	cfg = cfg.withDefaults()

	if cfg.ClientID == "" {
		return nil, &ConfigError{Field: "clientID"}
	}

	if cfg.ClientSecret == "" {
		return nil, &ConfigError{Field: "clientSecret"}
	}

	return a.grant(ctx, cfg.TokenURL, grantRequest{
		GrantType:    "client_credentials",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope.String(),
	})
}

// AuthorizationCodeGrant exchanges an authorization code. The client
// secret is sent when configured, otherwise the PKCE verifier.
func (a *TokenAuthority) AuthorizationCodeGrant(ctx context.Context, code, returnURL string, cfg Config, pkce *PKCEState) (*Token, error) {
	cfg = cfg.withDefaults()

	req := grantRequest{
		GrantType:   "authorization_code",
		Code:        code,
		RedirectURI: returnURL,
		ClientID:    cfg.ClientID,
	}
	if err := authenticateGrant(&req, cfg, pkce); err != nil {
		return nil, err
	}

	return a.grant(ctx, cfg.TokenURL, req)
}

// RefreshGrant trades the refresh token of tok for a new token.
func (a *TokenAuthority) RefreshGrant(ctx context.Context, tok *Token, cfg Config, pkce *PKCEState) (*Token, error) {
	cfg = cfg.withDefaults()

	if tok == nil || tok.RefreshToken == "" {
		return nil, &ConfigError{Field: "refresh_token"}
	}

	req := grantRequest{
		GrantType:    "refresh_token",
		RefreshToken: tok.RefreshToken,
		ClientID:     cfg.ClientID,
	}
	if err := authenticateGrant(&req, cfg, pkce); err != nil {
		return nil, err
	}

	return a.grant(ctx, cfg.TokenURL, req)
}

// authenticateGrant picks the confidential or PKCE branch.
func authenticateGrant(req *grantRequest, cfg Config, pkce *PKCEState) error {
	if cfg.confidential() {
		req.ClientSecret = cfg.ClientSecret
		return nil
	}

	if pkce == nil || pkce.CodeVerifier == "" {
		return &ConfigError{Field: "code_verifier", Reason: "is required when clientSecret is not set"}
	}

	req.CodeVerifier = pkce.CodeVerifier

	return nil
}

// grant posts body to the token endpoint and decodes the response.
func (a *TokenAuthority) grant(ctx context.Context, tokenURL string, body grantRequest) (*Token, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling grant request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s grant: %w", body.GrantType, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return nil, fmt.Errorf("reading %s grant response: %w", body.GrantType, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newAuthServerError(resp, respBody)
	}

	return NewToken(respBody, a.now())
}

func newAuthServerError(resp *http.Response, body []byte) *AuthServerError {
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	authErr := &AuthServerError{StatusCode: resp.StatusCode, Status: status}

	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &oauthErr) == nil {
		authErr.Code = oauthErr.Error
		authErr.Description = oauthErr.Description
	}

	return authErr
}
