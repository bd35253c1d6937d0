// Package rdt21 implements RDT2.1: stop-and-wait with an alternating
// 1-bit sequence number, making the protocol robust to a corrupted
// ACK/NAK in addition to a corrupted DATA frame. The sender also
// resends the same frame when its read timeout expires, so a lost
// frame is retried the same way rdt30 retries it.
package rdt21

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rdtnet/channel"
	"rdtnet/frame"
	"rdtnet/pkg/logger"
)

// Sender is the rdt2.1 stop-and-wait sender.
type Sender struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	channel *channel.UnreliableChannel
	timeout time.Duration

	seq byte // 0 or 1
}

// NewSender binds a UDP socket on localPort and returns a Sender
// targeting dest.
func NewSender(localPort int, dest *net.UDPAddr, ch *channel.UnreliableChannel, timeout time.Duration) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn, dest: dest, channel: ch, timeout: timeout}, nil
}

func (s *Sender) transmit(pkt []byte, isData bool) {
	if s.channel != nil {
		s.channel.Send(pkt, s.conn, s.dest, isData)
	} else {
		_, _ = s.conn.WriteToUDP(pkt, s.dest)
	}
}

// Send transmits payload under the sender's current sequence bit and
// blocks until a matching ACK arrives, retransmitting with the same
// seqnum on NAK, timeout, checksum failure, or a mismatched seqnum. It
// flips the sequence bit and returns the retransmission count on
// success.
func (s *Sender) Send(payload []byte) (int, error) {
	pkt := frame.PackRDT21(frame.KindData, s.seq, payload)
	retrans := 0

	resp := make([]byte, 2048)
	for {
		s.transmit(pkt, true)

		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		n, _, err := s.conn.ReadFromUDP(resp)
		if err != nil {
			retrans++
			logger.Debug("rdt21 send: timeout waiting for ACK(seq=%d), retransmitting (retry %d)", s.seq, retrans)
			continue
		}

		f, ok := frame.UnpackRDT21(resp[:n])
		if !ok || !frame.VerifyRDT21Checksum(f) {
			retrans++
			logger.Warn("rdt21 send: malformed or corrupt response, retransmitting (retry %d)", retrans)
			continue
		}

		if f.Kind == frame.KindAck && f.Seq == s.seq {
			s.seq ^= 1
			return retrans, nil
		}
		// NAK with matching seqnum, or anything else: retransmit.
		retrans++
		logger.Debug("rdt21 send: NAK or stale seqnum, retransmitting (retry %d)", retrans)
	}
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver is the rdt2.1 receiver.
type Receiver struct {
	conn    *net.UDPConn
	channel *channel.UnreliableChannel

	mu       sync.Mutex
	expected byte
	buffer   [][]byte

	running atomic.Bool
}

// NewReceiver binds a UDP socket on localPort and starts the receive
// loop immediately.
func NewReceiver(localPort int, ch *channel.UnreliableChannel) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		return nil, err
	}
	r := &Receiver{conn: conn, channel: ch}
	r.running.Store(true)
	go r.loop()
	return r, nil
}

func (r *Receiver) send(pkt []byte, addr *net.UDPAddr) {
	if r.channel != nil {
		r.channel.Send(pkt, r.conn, addr, false)
		return
	}
	_, _ = r.conn.WriteToUDP(pkt, addr)
}

func (r *Receiver) loop() {
	buf := make([]byte, 65536)
	for r.running.Load() {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		r.mu.Lock()
		expected := r.expected
		r.mu.Unlock()

		f, ok := frame.UnpackRDT21(pkt)
		if !ok || !frame.VerifyRDT21Checksum(f) {
			logger.Warn("rdt21 receiver: malformed or corrupt frame from %s, sending NAK(seq=%d)", addr, expected)
			r.send(frame.PackRDT21(frame.KindNak, expected, nil), addr)
			continue
		}
		if f.Kind != frame.KindData {
			// A stray ACK/NAK reaching the receiver is not a
			// protocol event it needs to act on.
			continue
		}

		if f.Seq == expected {
			r.mu.Lock()
			r.buffer = append(r.buffer, f.Payload)
			r.expected ^= 1
			r.mu.Unlock()
			r.send(frame.PackRDT21(frame.KindAck, expected, nil), addr)
		} else {
			// Duplicate: our previous ACK was likely lost or
			// corrupted. Re-ACK the seqnum the sender is still
			// waiting on without redelivering.
			logger.Debug("rdt21 receiver: duplicate seq=%d from %s, re-ACKing", f.Seq, addr)
			r.send(frame.PackRDT21(frame.KindAck, f.Seq, nil), addr)
		}
	}
}

// GetAllMessages returns every payload delivered so far, in order, and
// clears the buffer.
func (r *Receiver) GetAllMessages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.buffer
	r.buffer = nil
	return msgs
}

// Stop halts the receive loop and releases the socket.
func (r *Receiver) Stop() error {
	r.running.Store(false)
	return r.conn.Close()
}
