// Package rdt20 implements the RDT2.0 stop-and-wait protocol: no
// sequence numbers, ACK/NAK only, and no defense against a lost frame
// in either direction. The timeout on the sender side is a safety
// valve against a wedged wait, not a correctness mechanism — RDT2.0
// assumes the underlying channel never loses a datagram.
package rdt20

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rdtnet/channel"
	"rdtnet/frame"
	"rdtnet/pkg/logger"
)

// Sender is the rdt2.0 stop-and-wait sender.
type Sender struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	channel *channel.UnreliableChannel
	timeout time.Duration
}

// NewSender binds a UDP socket on localPort and returns a Sender that
// transmits to dest. ch may be nil to bypass the unreliable-channel
// simulation entirely.
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

// Send transmits payload and blocks until a positive ACK is received,
// retransmitting on NAK, timeout, or any malformed response. It
// returns the number of retransmissions performed.
func (s *Sender) Send(payload []byte) (int, error) {
	pkt := frame.PackRDT20Data(payload)
	retrans := 0

	resp := make([]byte, 1024)
	for {
		s.transmit(pkt, true)

		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		n, _, err := s.conn.ReadFromUDP(resp)
		if err != nil {
			retrans++
			logger.Debug("rdt20 send: timeout waiting for ACK, retransmitting (retry %d)", retrans)
			continue
		}

		f, ok := frame.UnpackRDT20(resp[:n])
		if !ok || n != 1 {
			retrans++
			logger.Warn("rdt20 send: malformed response, retransmitting (retry %d)", retrans)
			continue
		}

		if f.Kind == frame.KindAck {
			return retrans, nil
		}
		retrans++
		logger.Debug("rdt20 send: NAK received, retransmitting (retry %d)", retrans)
	}
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver is the rdt2.0 receiver: it runs a background goroutine that
// validates incoming frames, ACKs or NAKs them, and buffers newly
// delivered payloads for the application to collect.
type Receiver struct {
	conn    *net.UDPConn
	channel *channel.UnreliableChannel

	mu           sync.Mutex
	buffer       [][]byte
	lastPayload  []byte
	lastChecksum uint32
	hasLast      bool

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

		f, ok := frame.UnpackRDT20(pkt)
		if !ok || f.Kind != frame.KindData {
			logger.Warn("rdt20 receiver: malformed frame from %s, sending NAK", addr)
			r.send(frame.PackRDT20Control(frame.KindNak), addr)
			continue
		}
		if !frame.VerifyRDT20Checksum(f) {
			logger.Warn("rdt20 receiver: checksum mismatch from %s, sending NAK", addr)
			r.send(frame.PackRDT20Control(frame.KindNak), addr)
			continue
		}

		r.mu.Lock()
		if r.hasLast && f.Checksum == r.lastChecksum && bytes.Equal(f.Payload, r.lastPayload) {
			// Our previous ACK was likely corrupted: re-ACK without
			// re-delivering the duplicate.
			r.mu.Unlock()
			r.send(frame.PackRDT20Control(frame.KindAck), addr)
			continue
		}
		r.buffer = append(r.buffer, f.Payload)
		r.lastPayload = f.Payload
		r.lastChecksum = f.Checksum
		r.hasLast = true
		r.mu.Unlock()

		r.send(frame.PackRDT20Control(frame.KindAck), addr)
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
	err := r.conn.Close()
	logger.Debug("rdt20 receiver stopped")
	return err
}
