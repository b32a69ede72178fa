// Package panflux is a client for the Panflux GraphQL API.
//
// A Client obtains an OAuth2 token, either with the client credentials
// grant or with an authorization code flow protected by PKCE, and keeps
// it fresh: a timer renews the token shortly before it expires, and every
// GetLink call checks it again with a wider margin. The token response
// names the API edge to talk to; queries and mutations go to it over
// HTTP, subscriptions over a graphql-ws WebSocket.
//
// In a browser-like environment the login redirect may land in a popup
// or another tab. Clients sharing a Broadcast channel hand the
// authorization code back to the tab that started the login, which
// performs the exchange.
//
//	c := panflux.Init(panflux.Config{ClientID: id, ClientSecret: secret}, nil)
//	defer c.Close()
//
//	data, err := c.Query(ctx, "query { me { id } }", nil)
package panflux
