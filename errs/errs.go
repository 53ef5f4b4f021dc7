// Package errs enumerates the mesh core's recoverable error kinds.
//
// These are not transport status codes; they are the closed set of
// conditions the hub and peer controllers must distinguish when
// deciding whether to drop a message, close a connection, resolve a
// pending call, or refuse to start.
package errs

import "errors"

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrBadSignature      = errors.New("bad signature")
	ErrExpiredTimestamp  = errors.New("expired timestamp")
	ErrUnknownNode       = errors.New("unknown node")
	ErrRevoked           = errors.New("revoked")
	ErrIPNotAllowed      = errors.New("ip not allowed")
	ErrNotRegistered     = errors.New("not registered")
	ErrNoProvider        = errors.New("no provider")
	ErrNoSuchTarget      = errors.New("no such target")
	ErrTargetUnreachable = errors.New("target unreachable")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrNoRoute           = errors.New("no route")
	ErrBackPressureDrop  = errors.New("back pressure drop")
	ErrConfigFatal       = errors.New("fatal configuration error")
	ErrConflict          = errors.New("conflict")
	ErrServerShuttingDown = errors.New("server shutting down")
)
