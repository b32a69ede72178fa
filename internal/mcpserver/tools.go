// Package mcpserver registers MCP tools that expose a Panflux client.
// It adapts panflux.Client to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/panflux/sdk-go/panflux"
)

// Client is the part of panflux.Client the tools use.
type Client interface {
	Query(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error)
	Token() *panflux.Token
	HasValidToken() bool
	Resolving() bool
}

var _ Client = (*panflux.Client)(nil)

// RegisterTools adds the Panflux tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Client) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "panflux_query",
		Description: "Run a GraphQL query or mutation against the Panflux API and return the data object. The client logs in or refreshes its token as needed.",
	}, queryHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "panflux_token_status",
		Description: "Report whether the client holds a token, whether it is still valid, its API edge and when it expires. The access token itself is never returned.",
	}, tokenStatusHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// QueryInput holds parameters for panflux_query.
type QueryInput struct {
	Query     string                 `json:"query" jsonschema:"required,GraphQL query or mutation document"`
	Variables map[string]interface{} `json:"variables,omitempty" jsonschema:"operation variables"`
}

// TokenStatusInput has no parameters.
type TokenStatusInput struct{}

// --- Output types ---

// QueryResult is the data object of a successful operation.
type QueryResult struct {
	Data map[string]interface{} `json:"data,omitempty"`
}

// TokenStatus describes the client's current token without exposing it.
type TokenStatus struct {
	Authenticated   bool   `json:"authenticated"`
	Valid           bool   `json:"valid"`
	LoginPending    bool   `json:"login_pending"`
	Edge            string `json:"edge,omitempty"`
	Scope           string `json:"scope,omitempty"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	HasRefreshToken bool   `json:"has_refresh_token"`
}

// --- Handlers ---

func queryHandler(c Client) mcp.ToolHandlerFor[QueryInput, *QueryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input QueryInput) (*mcp.CallToolResult, *QueryResult, error) {
		if input.Query == "" {
			return nil, nil, fmt.Errorf("query is required")
		}

		raw, err := c.Query(ctx, input.Query, input.Variables)
		if err != nil {
			return nil, nil, err
		}

		result := &QueryResult{}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &result.Data); err != nil {
				return nil, nil, fmt.Errorf("decoding query data: %w", err)
			}
		}

		return textResult(result), result, nil
	}
}

func tokenStatusHandler(c Client) mcp.ToolHandlerFor[TokenStatusInput, *TokenStatus] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ TokenStatusInput) (*mcp.CallToolResult, *TokenStatus, error) {
		status := &TokenStatus{LoginPending: c.Resolving()}

		if tok := c.Token(); tok != nil {
			status.Authenticated = true
			status.Valid = c.HasValidToken()
			status.Edge = tok.Edge()
			status.Scope = tok.Scope
			status.HasRefreshToken = tok.RefreshToken != ""

			if exp := tok.ExpiresAt(); !exp.IsZero() {
				status.ExpiresAt = exp.UTC().Format(time.RFC3339)
			}
		}

		return textResult(status), status, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
