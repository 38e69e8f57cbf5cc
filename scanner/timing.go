package scanner

import "time"

const (
	minRTTTimeout = 300 * time.Millisecond
	maxRTTTimeout = 10 * time.Second

	// DefaultInitialRTTTimeout bounds probe waits before any RTT sample exists.
	DefaultInitialRTTTimeout = time.Second
)

// TimingState is a smoothed round-trip estimator in the style of TCP's
// retransmission timer: a smoothed mean, a mean deviation and the timeout
// derived from both.
type TimingState struct {
	SRTT    time.Duration
	RTTVar  time.Duration
	Timeout time.Duration

	known bool
}

// NewTimingState returns an estimator with no samples that waits initial for replies.
func NewTimingState(initial time.Duration) TimingState {
	if initial <= 0 {
		initial = DefaultInitialRTTTimeout
	}
	return TimingState{Timeout: initial}
}

// Known reports whether the estimator holds at least one sample.
func (t *TimingState) Known() bool {
	return t.known
}

// Update folds one (sent, received) sample into the estimate.
func (t *TimingState) Update(sent, rcvd time.Time) {
	delta := rcvd.Sub(sent)
	// Capture timestamps may trail the send clock slightly.
	if delta < 0 && delta > -50*time.Millisecond {
		delta = 10 * time.Millisecond
	}
	if delta < 0 {
		return
	}

	if !t.known {
		t.SRTT = delta
		t.RTTVar = clampDuration(t.SRTT, 5*time.Millisecond, 2*time.Second)
		t.known = true
	} else {
		if delta >= 8*time.Second {
			return
		}
		delta -= t.SRTT
		if delta > 1500*time.Millisecond && delta > 3*t.SRTT+2*t.RTTVar {
			return
		}
		t.SRTT += delta / 8
		if delta < 0 {
			delta = -delta
		}
		delta -= t.RTTVar
		t.RTTVar += delta / 4
	}
	t.Timeout = clampDuration(t.SRTT+4*t.RTTVar, minRTTTimeout, maxRTTTimeout)
}

// WidenVariance scales the deviation after evidence of reordering or delay.
func (t *TimingState) WidenVariance(factor float64) {
	t.RTTVar = time.Duration(float64(t.RTTVar) * factor)
}

// SeedFrom initialises a target estimator from the zombie's, used before the
// target has produced any measurement of its own.
func (t *TimingState) SeedFrom(zombie TimingState) {
	t.SRTT = 2 * zombie.SRTT
	t.RTTVar = clampDuration(t.SRTT, 10*time.Millisecond, 2*time.Second)
	t.Timeout = t.SRTT + 4*t.RTTVar
	t.known = true
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
