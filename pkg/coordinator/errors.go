package coordinator

import "errors"

var (
	// ErrHTTPBind means this process won the election but could not bind
	// the mock HTTP listener.
	ErrHTTPBind = errors.New("coordinator: http listener bind failed")
	// ErrLeaderLost means a follower's control connection was lost and every
	// reconnection attempt failed.
	ErrLeaderLost     = errors.New("coordinator: leader lost")
	ErrAlreadyStarted = errors.New("coordinator: already started")
	ErrShutdown       = errors.New("coordinator: shut down")
)
