package errors

import "errors"

// Transport errors.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrAuthFailed   = errors.New("authentication rejected by server")
	ErrSendTimeout  = errors.New("no confirmation within send timeout")
)

// Fetch/store errors.
var (
	ErrFetchFailed          = errors.New("paginated fetch failed")
	ErrMergeConflict        = errors.New("server id collision with differing content")
	ErrConversationNotFound = errors.New("conversation not found")
)
