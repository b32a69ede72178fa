// Package graphql is the transport behind a Panflux link: an HTTP
// request/response transport for queries and mutations and a
// subscriptions-transport-ws socket for subscriptions.
package graphql

import (
	"encoding/json"
	"strings"
)

// Request is a single GraphQL operation.
type Request struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// Error is one entry of a GraphQL errors array.
type Error struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Response is the GraphQL response envelope.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// ResponseError is returned when the server answered with GraphQL errors.
type ResponseError struct {
	Errors []Error
}

func (e *ResponseError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, gqlErr := range e.Errors {
		msgs = append(msgs, gqlErr.Message)
	}

	return "graphql: " + strings.Join(msgs, "; ")
}

// hasData reports whether raw holds a non-null data value.
func hasData(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// IsSubscription reports whether any top-level operation in the document
// is a subscription. Comments, strings, and nested selections are skipped.
func IsSubscription(query string) bool {
	depth := 0
	expectOp := true

	for i := 0; i < len(query); {
		c := query[i]

		switch {
		case c == '#':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case strings.HasPrefix(query[i:], `"""`):
			end := strings.Index(query[i+3:], `"""`)
			if end < 0 {
				return false
			}

			i += end + 6
		case c == '"':
			i++
			for i < len(query) && query[i] != '"' {
				if query[i] == '\\' {
					i++
				}
				i++
			}
			i++
		case c == '{':
			depth++
			expectOp = false
			i++
		case c == '}':
			depth--
			if depth == 0 {
				expectOp = true
			}
			i++
		case isNameStart(c):
			start := i
			for i < len(query) && isNameContinue(query[i]) {
				i++
			}

			if depth == 0 && expectOp {
				if query[start:i] == "subscription" {
					return true
				}

				expectOp = false
			}
		default:
			i++
		}
	}

	return false
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameContinue(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
