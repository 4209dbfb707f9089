package shared

import "errors"

var (
	ErrNoLogger      = errors.New("no logger provided")
	ErrNoConfig      = errors.New("no config provided")
	ErrNoAPIKey      = errors.New("no API key provided")
	ErrNoTokenSource = errors.New("no token source provided")
	ErrNoToken       = errors.New("no connection token available")
)

// Transport errors
var (
	ErrUnknownURL      = errors.New("url is not managed by transport")
	ErrTransportClosed = errors.New("transport closed")
	ErrNoURLs          = errors.New("no urls provided")
)

// Session errors
var (
	ErrNotConnected      = errors.New("client not connected")
	ErrClientClosed      = errors.New("client closed")
	ErrMissingPayload    = errors.New("missing payload")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrUnknownAction     = errors.New("unknown action")
	ErrRequestInFlight   = errors.New("a request is already awaiting its response")
	ErrNoPendingRequest  = errors.New("no request awaiting a response")
	ErrResponseTimeout   = errors.New("timed out waiting for response")
	ErrMalformedResponse = errors.New("malformed response")
)
