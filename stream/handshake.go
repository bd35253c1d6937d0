package stream

import (
	"net"
	"time"

	"go.uber.org/zap"

	"rdtnet/frame"
)

// Listen puts the endpoint into LISTEN, ready to Accept an inbound
// handshake.
func (e *Endpoint) Listen() error {
	e.setState(StateListen)
	return nil
}

// Accept blocks until an inbound handshake completes or timeout
// elapses, returning ErrAcceptTimeout in the latter case. The
// endpoint itself becomes the established connection — there is no
// separate listener/connection split.
func (e *Endpoint) Accept(timeout time.Duration) (*Endpoint, error) {
	select {
	case <-e.established:
		return e, nil
	case <-time.After(timeout):
		return nil, ErrAcceptTimeout
	}
}

// Connect performs the active open: send SYN, buffer it for the
// retransmission loop, and additionally re-emit it opportunistically
// every ~100ms until the handshake completes or a 5s deadline expires.
func (e *Endpoint) Connect(dest *net.UDPAddr) error {
	e.mu.Lock()
	e.remoteAddr = dest
	synSeq := e.seq
	pkt := frame.PackSegment(synSeq, 0, frame.FlagSYN, DefaultRecvWindow, nil)
	e.seq++
	e.state = StateSynSent
	e.mu.Unlock()

	e.sendMu.Lock()
	e.sendBuf[synSeq] = &sendEntry{bytes: pkt, sendTime: time.Now()}
	e.sendMu.Unlock()

	e.transmit(pkt, dest, false)
	e.log.Debug("connect: SYN sent", zap.Uint32("seq", synSeq))

	deadline := time.Now().Add(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.established:
			return nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				return ErrConnectTimeout
			}
			if e.localState() == StateSynSent {
				e.transmit(pkt, dest, false)
			}
		}
	}
}
