package stream

import "go.uber.org/zap"

// zlog is the package-wide structured logger. Every endpoint derives
// a child logger from it carrying its local port, so concurrent
// endpoints in the same process (as in tests) can be told apart in
// the log stream — grounded on the appnet-org/arpc pattern of
// zap-logging per-connection retransmit/RTT diagnostics in a
// reliable-transport layer.
var zlog = newPackageLogger()

func newPackageLogger() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
