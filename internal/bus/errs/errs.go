// Package errs holds the sentinel errors shared across the bus packages.
package errs

import sterrors "errors"

var (
	ErrNotImplemented   = sterrors.New("chatwire: not implemented")
	ErrNotConnected     = sterrors.New("chatwire: connection not established")
	ErrNoConnection     = sterrors.New("chatwire: no active connection for platform")
	ErrUnknownPlatform  = sterrors.New("chatwire: unknown platform")
	ErrDispatcherClosed = sterrors.New("chatwire: dispatcher closed")
	ErrSinkClosed       = sterrors.New("chatwire: sink closed")
	ErrHandlerRequired  = sterrors.New("chatwire: handler function is required")
)
