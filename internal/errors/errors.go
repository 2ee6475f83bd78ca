package errors

import "errors"

// Session errors.
var (
	ErrEmptyRoomID   = errors.New("room id is empty")
	ErrRoomNotFound  = errors.New("room not found")
	ErrSessionClosed = errors.New("session closed")
)

// Payload errors.
var (
	ErrMalformedPayload = errors.New("malformed payload")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
