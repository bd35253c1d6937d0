package stream

import (
	"net"
	"time"

	"go.uber.org/zap"

	"rdtnet/frame"
)

func (e *Endpoint) recvLoop() {
	buf := make([]byte, 65536)
	for e.running.Load() {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		seg, ok := frame.UnpackSegment(buf[:n])
		if !ok || !frame.VerifySegmentChecksum(seg) {
			continue
		}
		e.handleSegment(seg, addr)
	}
}

// handleSegment dispatches one verified, in-order-arriving segment
// per the fixed sequence of checks the transport specifies: SYN at a
// listener, SYN|ACK completing an active open, the ACK that completes
// a passive open, cumulative-ack retirement (which applies to any
// ACK-flagged segment, not just a bare one), FIN handling, and finally
// payload delivery.
func (e *Endpoint) handleSegment(seg frame.Segment, addr *net.UDPAddr) {
	e.mu.Lock()
	e.remoteAddr = addr
	state := e.state
	e.mu.Unlock()

	if seg.Flags.Has(frame.FlagSYN) && !seg.Flags.Has(frame.FlagACK) {
		if state == StateListen {
			e.mu.Lock()
			e.ack = seg.Seq + 1
			ownSeq := e.seq
			e.seq++
			window := DefaultRecvWindow
			e.state = StateSynRcvd
			e.mu.Unlock()

			pkt := frame.PackSegment(ownSeq, e.ackSnapshot(), frame.FlagSYN|frame.FlagACK, uint16(window), nil)
			e.transmit(pkt, addr, false)
			e.log.Debug("accept: SYN-ACK sent", zap.Uint32("seq", ownSeq))
		}
		return
	}

	if seg.Flags.Has(frame.FlagSYN) && seg.Flags.Has(frame.FlagACK) {
		if state == StateSynSent {
			e.mu.Lock()
			e.ack = seg.Seq + 1
			ownSeq := e.seq
			e.state = StateEstablished
			e.mu.Unlock()

			pkt := frame.PackSegment(ownSeq, e.ackSnapshot(), frame.FlagACK, DefaultRecvWindow, nil)
			e.transmit(pkt, addr, false)
			e.markEstablished()
			e.log.Debug("connect: handshake complete")
		}
		return
	}

	if seg.Flags.Has(frame.FlagACK) && state == StateSynRcvd {
		e.setState(StateEstablished)
		e.markEstablished()
	}

	if seg.Flags.Has(frame.FlagACK) {
		e.retireAcked(seg.Ack, seg.Window)
	}

	if seg.Flags.Has(frame.FlagFIN) {
		e.handleFIN(seg, addr)
		return
	}

	if len(seg.Payload) > 0 {
		e.handlePayload(seg, addr)
	}
}

// ackSnapshot reads the current expected_ack under lock; used when
// composing an outgoing segment right after releasing e.mu.
func (e *Endpoint) ackSnapshot() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ack
}

// retireAcked drops every send-buffer entry whose last byte is below
// peerAck, sampling RTT from the freshest retirement.
func (e *Endpoint) retireAcked(peerAck uint32, window uint16) {
	e.mu.Lock()
	e.peerWindow = window
	e.mu.Unlock()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	var freshest time.Time
	var sampled bool
	for seq, entry := range e.sendBuf {
		seg, ok := frame.UnpackSegment(entry.bytes)
		if !ok {
			continue
		}
		lastByte := seg.Seq + uint32(len(seg.Payload)) - 1
		if seg.Flags.Has(frame.FlagSYN) || seg.Flags.Has(frame.FlagFIN) {
			lastByte = seg.Seq
		}
		if peerAck > lastByte {
			if !sampled || entry.sendTime.After(freshest) {
				freshest = entry.sendTime
				sampled = true
			}
			delete(e.sendBuf, seq)
		}
	}
	if sampled {
		e.mu.Lock()
		e.sampleRTT(time.Since(freshest))
		e.mu.Unlock()
	}

	bufEmpty := len(e.sendBuf) == 0
	if bufEmpty {
		e.mu.Lock()
		switch e.state {
		case StateClosing, StateLastAck:
			e.state = StateClosed
			e.mu.Unlock()
			e.markClosed()
			return
		case StateFinWait1:
			// Our own FIN retired before the peer's FIN arrived.
			e.state = StateFinWait2
		}
		e.mu.Unlock()
	}
}

func (e *Endpoint) handleFIN(seg frame.Segment, addr *net.UDPAddr) {
	// Read without mu held: sendBufLen takes sendMu on its own, and
	// must never be called while mu is already held (retireAcked
	// takes them in the opposite order, sendMu then mu).
	sendBufEmpty := e.sendBufLen() == 0

	e.mu.Lock()
	e.ack = seg.Seq + 1
	ownSeq := e.seq
	state := e.state

	var next State
	switch state {
	case StateEstablished:
		next = StateCloseWait
	case StateFinWait2:
		next = StateClosed
	case StateFinWait1:
		if sendBufEmpty {
			next = StateClosed
		} else {
			next = StateClosing
		}
	default:
		next = state
	}
	e.state = next
	ack := e.ack
	e.mu.Unlock()

	pkt := frame.PackSegment(ownSeq, ack, frame.FlagACK, DefaultRecvWindow, nil)
	e.transmit(pkt, addr, false)

	if next == StateClosed {
		e.markClosed()
	}
	if state != next {
		e.log.Debug("FIN handled", zap.Stringer("from", state), zap.Stringer("to", next))
	}
}

func (e *Endpoint) handlePayload(seg frame.Segment, addr *net.UDPAddr) {
	e.mu.Lock()
	switch {
	case seg.Seq == e.ack:
		e.delivered = append(e.delivered, seg.Payload...)
		e.ack += uint32(len(seg.Payload))
		for {
			frag, ok := e.reassembly[e.ack]
			if !ok {
				break
			}
			e.delivered = append(e.delivered, frag...)
			delete(e.reassembly, e.ack)
			e.ack += uint32(len(frag))
		}
	case seg.Seq > e.ack:
		if seg.Seq < e.ack+DefaultRecvWindow {
			if _, exists := e.reassembly[seg.Seq]; !exists {
				payload := make([]byte, len(seg.Payload))
				copy(payload, seg.Payload)
				e.reassembly[seg.Seq] = payload
			}
		}
	default:
		// seg.Seq < e.ack: duplicate, drop.
	}
	ownSeq := e.seq
	ack := e.ack
	e.mu.Unlock()

	pkt := frame.PackSegment(ownSeq, ack, frame.FlagACK, DefaultRecvWindow, nil)
	e.transmit(pkt, addr, false)
}
