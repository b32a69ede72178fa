package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	sdkerrors "github.com/panflux/sdk-go/internal/errors"
)

// maxResponseBody bounds how much of a GraphQL HTTP response is read.
const maxResponseBody = 16 * 1024 * 1024

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: received status code %d", sdkerrors.ErrResponseNotSuccessful, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return sdkerrors.ErrResponseNotSuccessful }

// clientError reports whether the status is in the 4xx class. Those
// indicate a malformed request and are never retried.
func (e *StatusError) clientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// httpTransport posts operations to the GraphQL endpoint. Authorization
// is added by the http.Client's transport.
type httpTransport struct {
	client   *http.Client
	endpoint string
}

func (t *httpTransport) do(ctx context.Context, gqlReq Request) (json.RawMessage, error) {
	payload, err := json.Marshal(gqlReq)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", t.endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", t.endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var gqlResp Response
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrMalformedEnvelope, err)
	}

	if len(gqlResp.Errors) > 0 {
		return gqlResp.Data, &ResponseError{Errors: gqlResp.Errors}
	}

	if !hasData(gqlResp.Data) {
		return nil, fmt.Errorf("%w: no data or errors in response", sdkerrors.ErrMalformedEnvelope)
	}

	return gqlResp.Data, nil
}
