package stream

import (
	"time"

	"go.uber.org/zap"

	"rdtnet/frame"
)

// Close tears down the connection. An active close (from ESTABLISHED
// or SYN_RCVD) briefly drains the send buffer, emits FIN|ACK, and
// waits until our FIN is acknowledged and the peer's own FIN has
// arrived; a passive close (from CLOSE_WAIT)
// answers with its own FIN|ACK and waits for LAST_ACK to resolve.
// Either way, the local socket is torn down when timeout elapses
// regardless of how far teardown got, returning ErrCloseTimeout in
// that case.
func (e *Endpoint) Close(timeout time.Duration) error {
	state := e.localState()

	switch state {
	case StateEstablished, StateSynRcvd:
		e.drainSendBuffer(timeout / 2)
		e.sendFIN(StateFinWait1)
	case StateCloseWait:
		e.sendFIN(StateLastAck)
	default:
		e.shutdown()
		return nil
	}

	select {
	case <-e.closeDone:
		e.shutdown()
		return nil
	case <-time.After(timeout):
		e.shutdown()
		return ErrCloseTimeout
	}
}

func (e *Endpoint) drainSendBuffer(budget time.Duration) {
	deadline := time.Now().Add(budget)
	for e.sendBufLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Endpoint) sendFIN(next State) {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	ack := e.ack
	addr := e.remoteAddr
	e.state = next
	e.mu.Unlock()

	pkt := frame.PackSegment(seq, ack, frame.FlagFIN|frame.FlagACK, DefaultRecvWindow, nil)

	e.sendMu.Lock()
	e.sendBuf[seq] = &sendEntry{bytes: pkt, sendTime: time.Now()}
	e.sendMu.Unlock()

	e.transmit(pkt, addr, false)
	e.log.Debug("FIN sent", zap.Stringer("state", next), zap.Uint32("seq", seq))
}

// shutdown stops the background loops and releases the socket. Safe
// to call more than once.
func (e *Endpoint) shutdown() {
	if e.running.CompareAndSwap(true, false) {
		_ = e.conn.Close()
	}
}
