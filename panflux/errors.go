package panflux

import (
	"fmt"
)

// ConfigError reports missing or unusable configuration. The caller must
// fix the configuration; retrying cannot succeed.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}

	return e.Field + " " + reason
}

// AuthServerError is returned when the token endpoint answers with a
// status other than 200. Code and Description are filled from an RFC 6749
// error body when the server sent one.
type AuthServerError struct {
	StatusCode  int
	Status      string
	Code        string
	Description string
}

func (e *AuthServerError) Error() string {
	if e.Code != "" {
		if e.Description != "" {
			return fmt.Sprintf("%s: %s: %s", e.Status, e.Code, e.Description)
		}

		return fmt.Sprintf("%s: %s", e.Status, e.Code)
	}

	return e.Status
}

// TokenValidationError means the grant response could not be turned into
// a Token. It signals a contract violation by the server.
type TokenValidationError struct {
	Reason string
	Err    error
}

func (e *TokenValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}

	return "invalid token: " + e.Reason
}

func (e *TokenValidationError) Unwrap() error { return e.Err }

// StateMismatchError is returned when the state parameter of an
// authorization callback does not match the persisted CSRF state.
type StateMismatchError struct{}

func (e *StateMismatchError) Error() string {
	return "oauth state mismatch: possible CSRF attempt"
}

// OAuthCallbackError carries an explicit error returned by the
// authorization server on the redirect.
type OAuthCallbackError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthCallbackError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth callback error: %s: %s", e.Code, e.Description)
	}

	return "oauth callback error: " + e.Code
}

// TokenExpiredError is returned by GetLink when no valid token could be
// obtained. Err holds the refresh or login failure.
type TokenExpiredError struct {
	Err error
}

func (e *TokenExpiredError) Error() string {
	if e.Err != nil {
		return "token expired and could not be renewed: " + e.Err.Error()
	}

	return "token expired and could not be renewed"
}

func (e *TokenExpiredError) Unwrap() error { return e.Err }

// PlatformError is returned by Login when the runtime environment is
// neither a browser nor a headless context.
type PlatformError struct {
	Platform Platform
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("unsupported runtime platform %q: expected browser or headless", e.Platform)
}

// Operation names used in OpError.
const (
	OpLogin        = "login"
	OpRefreshToken = "refresh token"
	OpRequestToken = "request token"
	OpGraphQL      = "graphql link"
)

// OpError attributes a failure to the SDK operation it happened in. It is
// what background failures are wrapped in before being emitted as error
// events.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return "error during " + e.Op
	}

	return "error during " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }
