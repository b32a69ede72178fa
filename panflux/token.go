package panflux

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Token is an issued credential set. Tokens are never mutated after
// construction; a refresh or login replaces the whole value.
type Token struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiresIn    int64    `json:"expires_in,omitempty"`
	ExpireTime   int64    `json:"expire_time,omitempty"`
	Edges        []string `json:"edges"`
	Scope        string   `json:"scope,omitempty"`
}

// NewToken decodes a grant response and normalizes it into a Token.
//
// ExpireTime is taken from the payload when already absolute, otherwise
// computed as now + expires_in. When neither is present and the access
// token is a JWT, its exp claim is used. A zero ExpireTime means the
// expiry is unknown.
func NewToken(raw []byte, now time.Time) (*Token, error) {
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, &TokenValidationError{Reason: "decoding grant response", Err: err}
	}

	if err := tok.Validate(); err != nil {
		return nil, err
	}

	switch {
	case tok.ExpireTime > 0:
	case tok.ExpiresIn > 0:
		tok.ExpireTime = now.Unix() + tok.ExpiresIn
	default:
		tok.ExpireTime = jwtExpiry(tok.AccessToken)
	}

	return &tok, nil
}

// Validate checks the invariants every installed token must satisfy.
func (t *Token) Validate() error {
	if t == nil {
		return &TokenValidationError{Reason: "token is nil"}
	}

	if t.AccessToken == "" {
		return &TokenValidationError{Reason: "access_token is empty"}
	}

	if len(t.Edges) == 0 || t.Edges[0] == "" {
		return &TokenValidationError{Reason: "edges must be a non-empty list"}
	}

	return nil
}

// Edge returns the authoritative API endpoint for this token.
func (t *Token) Edge() string {
	if len(t.Edges) == 0 {
		return ""
	}

	return t.Edges[0]
}

// ExpiresAt returns the absolute expiry, or the zero time when unknown.
func (t *Token) ExpiresAt() time.Time {
	if t.ExpireTime <= 0 {
		return time.Time{}
	}

	return time.Unix(t.ExpireTime, 0)
}

// ValidAt reports whether the token is still usable at now with margin to
// spare. Tokens with unknown expiry are always valid.
func (t *Token) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil {
		return false
	}

	if t.ExpireTime <= 0 {
		return true
	}

	return now.Add(margin).Unix() < t.ExpireTime
}

// OAuth2 converts the token for use with golang.org/x/oauth2 consumers.
func (t *Token) OAuth2() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	ot := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    tokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt(),
	}

	return ot.WithExtra(map[string]interface{}{"edges": t.Edges})
}

// jwtExpiry reads the exp claim from an unverified JWT. The token endpoint
// is trusted over TLS; the signature is checked by the API, not here.
func jwtExpiry(accessToken string) int64 {
	if strings.Count(accessToken, ".") != 2 {
		return 0
	}

	parsed, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return 0
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}

	return exp.Unix()
}
