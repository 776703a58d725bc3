package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrMalformedRecord = errors.New("malformed record")
	ErrLockHeld        = errors.New("lock already held")
	ErrRateLimited     = errors.New("rate limited")
	ErrWSDisconnect    = errors.New("websocket disconnected")
)
