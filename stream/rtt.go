package stream

import "time"

const minRTO = 100 * time.Millisecond

// calcRTO must be called with e.mu held.
func (e *Endpoint) calcRTO() time.Duration {
	rto := e.srtt + 4*e.rttvar
	if rto < minRTO {
		return minRTO
	}
	return rto
}

// sampleRTT folds a fresh round-trip sample into the Jacobson/Karn
// EWMA estimator and recomputes RTO. Must be called with e.mu held.
func (e *Endpoint) sampleRTT(sample time.Duration) {
	e.srtt = e.srtt + time.Duration(0.125*float64(sample-e.srtt))
	diff := sample - e.srtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar + time.Duration(0.25*(float64(diff)-float64(e.rttvar)))
	e.rto = e.calcRTO()
}
