package errors

import "errors"

// HTTP transport errors.
var (
	ErrResponseNotSuccessful = errors.New("response not successful")
	ErrMalformedEnvelope     = errors.New("malformed response envelope")
)

// Socket transport errors.
var (
	ErrSocketClosed       = errors.New("socket transport closed")
	ErrReconnectExhausted = errors.New("socket reconnect attempts exhausted")
	ErrConnectionRejected = errors.New("socket connection rejected by server")
)
