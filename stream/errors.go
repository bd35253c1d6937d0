package stream

import "errors"

// ErrConnectTimeout is returned by Connect when the handshake does not
// complete within its deadline.
var ErrConnectTimeout = errors.New("stream: connect timeout")

// ErrAcceptTimeout is returned by Accept when no handshake completes
// within its deadline.
var ErrAcceptTimeout = errors.New("stream: accept timeout")

// ErrCloseTimeout is returned by Close when teardown does not
// complete within its deadline; the endpoint is torn down locally
// regardless.
var ErrCloseTimeout = errors.New("stream: close timeout")
