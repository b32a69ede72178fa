package panflux

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAuthURL  = "https://panflux.app/oauth/v2/auth"
	DefaultTokenURL = "https://panflux.app/oauth/v2/token"
	DefaultScope    = "api:read"
)

// Scope is an ordered list of OAuth2 scopes. It is sent on the wire as a
// single space-separated string and decodes from either form.
type Scope []string

// ParseScope splits a space-separated scope string.
func ParseScope(s string) Scope {
	return Scope(strings.Fields(s))
}

func (s Scope) String() string {
	return strings.Join(s, " ")
}

func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Scope) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = ParseScope(str)
		return nil
	}

	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("scope must be a string or a list of strings: %w", err)
	}

	*s = Scope(list)

	return nil
}

func (s *Scope) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = ParseScope(value.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("decoding scope list: %w", err)
		}

		*s = Scope(list)

		return nil
	default:
		return fmt.Errorf("scope must be a string or a list of strings")
	}
}

// Config holds the OAuth2 client settings for a Client.
type Config struct {
	// AuthURL is the authorization endpoint used by browser logins.
	AuthURL string `json:"authURL,omitempty" yaml:"auth_url"`
	// TokenURL is the token endpoint used by every grant.
	TokenURL string `json:"tokenURL,omitempty" yaml:"token_url"`
	ClientID string `json:"clientID,omitempty" yaml:"client_id"`
	// ClientSecret selects the confidential client flow. When empty, the
	// authorization code and refresh grants send a PKCE code_verifier.
	ClientSecret string `json:"clientSecret,omitempty" yaml:"client_secret"`
	Scope        Scope  `json:"scope,omitempty" yaml:"scope"`
	// SameWindow navigates the current window to the login page instead of
	// opening a popup.
	SameWindow bool `json:"sameWindow,omitempty" yaml:"same_window"`
	// ReturnURL is the OAuth2 redirect_uri. Defaults to the browser origin.
	ReturnURL string `json:"returnURL,omitempty" yaml:"return_url"`
}

// withDefaults returns a copy with unset endpoints and scope filled in.
func (c Config) withDefaults() Config {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}

	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}

	if len(c.Scope) == 0 {
		c.Scope = Scope{DefaultScope}
	}

	return c
}

// confidential reports whether the client authenticates with a secret
// rather than PKCE.
func (c Config) confidential() bool {
	return c.ClientSecret != ""
}
