// Package authserver is an in-memory Panflux authorization server. It
// issues authorization codes, runs the token grants the SDK sends and
// guards a GraphQL edge with the tokens it issued. All state is lost on
// restart.
package authserver

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthCode is a pending authorization code.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	ExpiresAt     time.Time
}

// Grant is an issued access token and the refresh token paired with it.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	Scope        string
	// Verifier is the PKCE verifier that redeemed the code. Refreshes by
	// public clients must present it again.
	Verifier  string
	ExpiresAt time.Time
}

// Client is a registered OAuth client. An empty Secret marks a public
// client that must use PKCE.
type Client struct {
	ID           string
	Secret       string
	RedirectURIs []string
}

const cleanupInterval = 5 * time.Minute

// Store holds codes, grants and clients.
type Store struct {
	mu      sync.RWMutex
	codes   map[string]*AuthCode
	access  map[string]*Grant // access token -> grant
	refresh map[string]*Grant // refresh token -> grant
	clients map[string]*Client
	stopGC  chan struct{}
	stop    sync.Once
}

// NewStore creates an empty store and starts a goroutine that reaps
// expired codes and grants. Call Stop to end it.
func NewStore() *Store {
	s := &Store{
		codes:   make(map[string]*AuthCode),
		access:  make(map[string]*Grant),
		refresh: make(map[string]*Grant),
		clients: make(map[string]*Client),
		stopGC:  make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the cleanup goroutine.
func (s *Store) Stop() {
	s.stop.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stopGC:
			return
		}
	}
}

// cleanup drops expired codes and access tokens. Refresh tokens outlive
// their access token.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}

	for k, g := range s.access {
		if now.After(g.ExpiresAt) {
			delete(s.access, k)
		}
	}
}

// RegisterClient adds or replaces a client.
func (s *Store) RegisterClient(c *Client) {
	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()
}

// GetClient returns the client with the given id, or nil.
func (s *Store) GetClient(id string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clients[id]
}

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode returns and deletes a code. It returns nil if the code is
// unknown or expired.
func (s *Store) ConsumeCode(code string, now time.Time) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)

	if now.After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// SaveGrant indexes g by its access and refresh tokens.
func (s *Store) SaveGrant(g *Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access[g.AccessToken] = g
	if g.RefreshToken != "" {
		s.refresh[g.RefreshToken] = g
	}
}

// ValidateToken returns the grant for an unexpired access token, or nil.
func (s *Store) ValidateToken(token string, now time.Time) *Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.access[token]
	if !ok || now.After(g.ExpiresAt) {
		return nil
	}

	return g
}

// ConsumeRefresh returns the grant for a refresh token and revokes both
// of its tokens. Refresh tokens are single use.
func (s *Store) ConsumeRefresh(token string) *Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.refresh[token]
	if !ok {
		return nil
	}

	delete(s.refresh, token)
	delete(s.access, g.AccessToken)

	return g
}

// RandomHex returns a random hex string of byteLen bytes.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
