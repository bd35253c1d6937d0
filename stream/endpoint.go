// Package stream implements a byte-stream transport with TCP-like
// connection setup, teardown, cumulative acknowledgement, and a
// Jacobson/Karn-style retransmission timer, carried over UDP through
// an optional unreliable-channel simulator.
package stream

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rdtnet/channel"
)

// MSS is the maximum application payload carried per segment.
const MSS = 1000

// DefaultRecvWindow is the static receiver window advertised in every
// outgoing segment; the transport performs no congestion control.
const DefaultRecvWindow = 4096

// backpressureLimit is the send-buffer occupancy past which Send
// blocks before admitting more segments.
const backpressureLimit = 500

const retransmitInterval = 50 * time.Millisecond

type sendEntry struct {
	bytes    []byte
	sendTime time.Time
	retries  int
}

// Endpoint is one side of a stream connection. The zero value is not
// usable; construct one with NewEndpoint.
type Endpoint struct {
	conn    *net.UDPConn
	channel *channel.UnreliableChannel
	log     *zap.Logger

	running atomic.Bool

	// mu guards every field below except the send buffer, which has
	// its own exclusion discipline (sendMu) so a slow peer write
	// never blocks the receive loop's bookkeeping.
	mu         sync.Mutex
	state      State
	seq        uint32 // next seqnum this side will use
	ack        uint32 // expected_ack: next byte we expect from the peer
	remoteAddr *net.UDPAddr
	peerWindow uint16

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	reassembly map[uint32][]byte
	delivered  []byte

	established     chan struct{}
	establishedOnce sync.Once
	closeDone       chan struct{}
	closeDoneOnce   sync.Once

	sendMu  sync.Mutex
	sendBuf map[uint32]*sendEntry
}

// NewEndpoint binds a UDP socket on localPort and starts the receive
// and retransmission loops. The endpoint starts in CLOSED state; call
// Listen+Accept or Connect to establish a connection.
func NewEndpoint(localPort int, ch *channel.UnreliableChannel) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		conn:        conn,
		channel:     ch,
		log:         zlog.With(zap.Int("localPort", localPort)),
		state:       StateClosed,
		seq:         uint32(rand.Intn(65536)),
		peerWindow:  DefaultRecvWindow,
		srtt:        1 * time.Second,
		rttvar:      500 * time.Millisecond,
		reassembly:  make(map[uint32][]byte),
		established: make(chan struct{}),
		closeDone:   make(chan struct{}),
		sendBuf:     make(map[uint32]*sendEntry),
	}
	e.rto = e.calcRTO()
	e.running.Store(true)
	go e.recvLoop()
	go e.retransmitLoop()
	return e, nil
}

func (e *Endpoint) localState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (e *Endpoint) markEstablished() {
	e.establishedOnce.Do(func() { close(e.established) })
}

func (e *Endpoint) markClosed() {
	e.closeDoneOnce.Do(func() { close(e.closeDone) })
}

// transmit hands pkt to the channel simulator if one is configured,
// otherwise writes it directly. isData marks the segment as carrying
// application payload, which is the only kind of segment the channel
// simulator is allowed to corrupt.
func (e *Endpoint) transmit(pkt []byte, addr *net.UDPAddr, isData bool) {
	if addr == nil {
		return
	}
	if e.channel != nil {
		e.channel.Send(pkt, e.conn, addr, isData)
	} else {
		_, _ = e.conn.WriteToUDP(pkt, addr)
	}
}

// Recv returns up to maxBytes of delivered application data, draining
// it from the front of the delivered queue. It never blocks.
func (e *Endpoint) Recv(maxBytes int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.delivered) == 0 {
		return nil
	}
	n := maxBytes
	if n <= 0 || n > len(e.delivered) {
		n = len(e.delivered)
	}
	out := make([]byte, n)
	copy(out, e.delivered[:n])
	e.delivered = e.delivered[n:]
	return out
}
