// Package sr implements Selective-Repeat: fixed-size send and receive
// windows with per-segment retransmission timers, admitting payload
// in MSS-sized chunks and delivering the exact byte sequence once
// contiguous runs become available.
package sr

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rdtnet/channel"
	"rdtnet/frame"
	"rdtnet/pkg/logger"
)

// MSS is the maximum application payload carried per segment.
const MSS = 1000

// DefaultWindowSize is used when a caller does not specify one.
const DefaultWindowSize = 5

type pendingSeg struct {
	seq     uint32
	payload []byte
}

type segEntry struct {
	bytes []byte
	timer *time.Timer
}

// Sender is the Selective-Repeat sender.
type Sender struct {
	conn       *net.UDPConn
	dest       *net.UDPAddr
	channel    *channel.UnreliableChannel
	windowSize uint32
	rto        time.Duration

	mu            sync.Mutex
	cond          *sync.Cond
	base          uint32
	nextSeqnum    uint32
	assignCounter uint32
	queue         []pendingSeg
	segments      map[uint32]*segEntry
	acked         *ackBitset

	running atomic.Bool
}

// NewSender binds a UDP socket on localPort targeting dest, with the
// given window size and retransmission timeout.
func NewSender(localPort int, dest *net.UDPAddr, ch *channel.UnreliableChannel, windowSize int, rto time.Duration) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		return nil, err
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	s := &Sender{
		conn:       conn,
		dest:       dest,
		channel:    ch,
		windowSize: uint32(windowSize),
		rto:        rto,
		segments:   make(map[uint32]*segEntry),
		acked:      newAckBitset(uint32(windowSize)),
	}
	s.cond = sync.NewCond(&s.mu)
	s.running.Store(true)
	go s.recvLoop()
	return s, nil
}

func (s *Sender) transmit(pkt []byte) {
	if s.channel != nil {
		s.channel.Send(pkt, s.conn, s.dest, true)
	} else {
		_, _ = s.conn.WriteToUDP(pkt, s.dest)
	}
}

// SendStream chunks data into MSS-sized segments, assigns each the
// next sequence number, admits as many as the window allows, and
// blocks until every segment it just queued has been acknowledged.
func (s *Sender) SendStream(data []byte) error {
	s.mu.Lock()

	var target uint32
	for off := 0; off < len(data); off += MSS {
		end := off + MSS
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-off)
		copy(chunk, data[off:end])

		seq := s.assignCounter
		s.assignCounter++
		s.queue = append(s.queue, pendingSeg{seq: seq, payload: chunk})
		target = seq + 1
	}
	s.admitLocked()

	for s.base < target {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return nil
}

// admitLocked must be called with s.mu held. It transmits queued
// segments until the window is full or the queue drains.
func (s *Sender) admitLocked() {
	for s.nextSeqnum < s.base+s.windowSize && len(s.queue) > 0 {
		seg := s.queue[0]
		s.queue = s.queue[1:]

		pkt := frame.PackWindowData(seg.seq, seg.payload)
		entry := &segEntry{bytes: pkt}
		s.segments[seg.seq] = entry
		s.acked.Set(seg.seq, false)
		s.transmit(pkt)

		seq := seg.seq
		entry.timer = time.AfterFunc(s.rto, func() { s.onTimeout(seq) })
		s.nextSeqnum++
	}
}

func (s *Sender) onTimeout(seq uint32) {
	s.mu.Lock()
	entry, ok := s.segments[seq]
	if !ok || s.acked.Get(seq) {
		s.mu.Unlock()
		return
	}
	inFlight := uint32(len(s.segments)) - s.acked.PopCount()
	s.mu.Unlock()

	logger.Debug("sr send: RTO expired for seq=%d, retransmitting (%d segments in flight)", seq, inFlight)

	s.mu.Lock()
	s.transmit(entry.bytes)
	entry.timer.Reset(s.rto)
	s.mu.Unlock()
}

func (s *Sender) onAck(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.segments[seq]
	if !ok {
		return
	}
	if s.acked.Get(seq) {
		return // idempotent duplicate ack
	}
	s.acked.Set(seq, true)
	entry.timer.Stop()
	logger.Debug("sr send: ack seq=%d (%d/%d slots acked in window)", seq, s.acked.PopCount(), s.windowSize)

	if seq != s.base {
		return
	}
	for {
		_, ok := s.segments[s.base]
		if !ok || !s.acked.Get(s.base) {
			break
		}
		s.acked.Set(s.base, false)
		delete(s.segments, s.base)
		s.base++
	}
	s.cond.Broadcast()
	s.admitLocked()
}

func (s *Sender) recvLoop() {
	buf := make([]byte, 65536)
	for s.running.Load() {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		f, ok := frame.UnpackWindow(buf[:n])
		if !ok || f.Kind != frame.KindWAck || !frame.VerifyWindowChecksum(f) {
			logger.Warn("sr send: malformed or corrupt ACK frame, discarding")
			continue
		}
		s.onAck(f.Seq)
	}
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	s.running.Store(false)
	return s.conn.Close()
}

// Receiver is the Selective-Repeat receiver.
type Receiver struct {
	conn       *net.UDPConn
	channel    *channel.UnreliableChannel
	windowSize uint32

	mu        sync.Mutex
	base      uint32
	buffer    map[uint32][]byte
	delivered []byte

	running atomic.Bool
}

// NewReceiver binds a UDP socket on localPort with the given window
// size and starts the receive loop immediately.
func NewReceiver(localPort int, ch *channel.UnreliableChannel, windowSize int) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		return nil, err
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	r := &Receiver{
		conn:       conn,
		channel:    ch,
		windowSize: uint32(windowSize),
		buffer:     make(map[uint32][]byte),
	}
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
		f, ok := frame.UnpackWindow(buf[:n])
		if !ok || f.Kind != frame.KindWData || !frame.VerifyWindowChecksum(f) {
			logger.Warn("sr receiver: malformed or corrupt frame from %s, discarding", addr)
			continue
		}

		r.mu.Lock()
		seq := f.Seq
		switch {
		case seq >= r.base && seq < r.base+r.windowSize:
			if _, exists := r.buffer[seq]; !exists {
				payload := make([]byte, len(f.Payload))
				copy(payload, f.Payload)
				r.buffer[seq] = payload
			}
			r.mu.Unlock()
			r.send(frame.PackWindowAck(seq), addr)
			r.mu.Lock()
			for {
				payload, exists := r.buffer[r.base]
				if !exists {
					break
				}
				r.delivered = append(r.delivered, payload...)
				delete(r.buffer, r.base)
				r.base++
			}
			r.mu.Unlock()
		case seq < r.base:
			r.mu.Unlock()
			r.send(frame.PackWindowAck(seq), addr)
		default:
			// seq >= base+windowSize: outside the window, discard.
			r.mu.Unlock()
		}
	}
}

// GetData returns every byte delivered so far, in order.
func (r *Receiver) GetData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.delivered))
	copy(out, r.delivered)
	return out
}

// Stop halts the receive loop and releases the socket.
func (r *Receiver) Stop() error {
	r.running.Store(false)
	return r.conn.Close()
}
