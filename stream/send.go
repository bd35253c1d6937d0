package stream

import (
	"time"

	"go.uber.org/zap"

	"rdtnet/frame"
)

// Send chunks data into MSS-sized segments, stamping each with the
// current send sequence, buffers it for the retransmission loop, and
// transmits it immediately. The caller blocks under backpressure once
// the send buffer holds more than backpressureLimit entries, and
// again at the end until every segment just queued has drained,
// bounded by max(5s, len(data)/1024).
func (e *Endpoint) Send(data []byte) error {
	drainDeadline := 5 * time.Second
	if want := time.Duration(len(data)/1024) * time.Second; want > drainDeadline {
		drainDeadline = want
	}
	deadline := time.Now().Add(drainDeadline)

	for off := 0; off < len(data); off += MSS {
		end := off + MSS
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		for e.sendBufLen() > backpressureLimit && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		e.mu.Lock()
		seq := e.seq
		ack := e.ack
		addr := e.remoteAddr
		e.seq += uint32(len(chunk))
		e.mu.Unlock()

		pkt := frame.PackSegment(seq, ack, frame.FlagACK, DefaultRecvWindow, chunk)

		e.sendMu.Lock()
		e.sendBuf[seq] = &sendEntry{bytes: pkt, sendTime: time.Now()}
		e.sendMu.Unlock()

		e.transmit(pkt, addr, true)
	}

	for e.sendBufLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (e *Endpoint) sendBufLen() int {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return len(e.sendBuf)
}

// retransmitLoop scans the send buffer every ~50ms and re-emits any
// entry whose RTO has elapsed since its last send.
func (e *Endpoint) retransmitLoop() {
	ticker := time.NewTicker(retransmitInterval)
	defer ticker.Stop()
	for e.running.Load() {
		<-ticker.C
		now := time.Now()

		e.mu.Lock()
		rto := e.rto
		addr := e.remoteAddr
		e.mu.Unlock()
		if addr == nil {
			continue
		}

		e.sendMu.Lock()
		var stale [][]byte
		for seq, entry := range e.sendBuf {
			if now.Sub(entry.sendTime) > rto {
				entry.sendTime = now
				entry.retries++
				stale = append(stale, entry.bytes)
				e.log.Debug("retransmitting", zap.Uint32("seq", seq), zap.Int("retries", entry.retries))
			}
		}
		e.sendMu.Unlock()

		for _, pkt := range stale {
			isData := len(pkt) > 16
			e.transmit(pkt, addr, isData)
		}
	}
}
