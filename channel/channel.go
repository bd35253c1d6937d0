// Package channel simulates an unreliable datagram substrate: it
// probabilistically drops, corrupts, and delays outbound frames so the
// reliable-transfer protocols in the sibling packages have something
// worth being reliable against.
package channel

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"rdtnet/pkg/logger"
)

// Config holds the probabilities and delay bounds for an
// UnreliableChannel.
type Config struct {
	LossRate    float64       // probability a frame is dropped entirely
	CorruptRate float64       // probability a DATA frame is corrupted
	DelayMin    time.Duration // lower bound of the per-send delay
	DelayMax    time.Duration // upper bound of the per-send delay
}

// UnreliableChannel mediates every transmission between RDT/stream
// endpoints. It is stateless aside from its configured probabilities
// and may be shared freely across endpoints.
type UnreliableChannel struct {
	cfg Config
	rnd *rand.Rand
	mu  sync.Mutex
}

// New creates an UnreliableChannel from cfg.
func New(cfg Config) *UnreliableChannel {
	return &UnreliableChannel{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send applies loss, corruption, and delay to frameBytes and, if not
// dropped, schedules delivery to dest via conn after the sampled
// delay. isData marks frames eligible for corruption (DATA-kind
// frames only — ACK/NAK/control frames pass through uncorrupted so
// the control plane stays diagnostically stable). Concurrent Send
// calls each schedule an independent delayed dispatch; relative
// ordering between two delayed dispatches is not guaranteed.
func (c *UnreliableChannel) Send(frameBytes []byte, conn *net.UDPConn, dest *net.UDPAddr, isData bool) {
	c.mu.Lock()
	lossRoll := c.rnd.Float64()
	corruptRoll := c.rnd.Float64()
	delay := c.sampleDelay()
	c.mu.Unlock()

	if lossRoll < c.cfg.LossRate {
		logger.Debug("channel: dropped %d-byte frame to %s", len(frameBytes), dest)
		return
	}

	out := frameBytes
	if isData && corruptRoll < c.cfg.CorruptRate {
		out = c.corrupt(out)
		logger.Debug("channel: corrupted %d-byte DATA frame to %s", len(out), dest)
	}

	time.AfterFunc(delay, func() {
		_, _ = conn.WriteToUDP(out, dest)
	})
}

func (c *UnreliableChannel) sampleDelay() time.Duration {
	lo, hi := c.cfg.DelayMin, c.cfg.DelayMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(c.rnd.Int63n(int64(span)))
}

// corrupt flips between 1 and min(5, ceil(len/4)) bytes at uniformly
// chosen positions by XOR-ing each with 0xFF.
func (c *UnreliableChannel) corrupt(in []byte) []byte {
	if len(in) == 0 {
		return in
	}
	out := make([]byte, len(in))
	copy(out, in)

	c.mu.Lock()
	maxFlip := (len(out) + 3) / 4
	if maxFlip > 5 {
		maxFlip = 5
	}
	if maxFlip < 1 {
		maxFlip = 1
	}
	n := 1 + c.rnd.Intn(maxFlip)
	for _, idx := range c.rnd.Perm(len(out))[:n] {
		out[idx] ^= 0xFF
	}
	c.mu.Unlock()

	return out
}
