package scanner

import "time"

const (
	// pacingBudgetUS bounds GroupSize * SendDelay so no batch spends more than
	// half a second on send pacing.
	pacingBudgetUS = 500000

	undercountDelayStep = 10 * time.Millisecond
	probeLossDelayStep  = 5 * time.Millisecond
)

// pacingCap is the largest group size allowed at send delay d.
func pacingCap(d time.Duration) float64 {
	return float64(pacingBudgetUS / (d.Microseconds() + 1))
}

func scaleDelay(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d.Microseconds())*factor) * time.Microsecond
}

// adjustTiming tunes GroupSize and SendDelay after a flat count (tested) was
// checked against a more trusted count (truth). It reports whether tested was
// an overcount, which hints that the zombie is not idle.
func (p *ProxyState) adjustTiming(tested, truth int) (overcount bool) {
	switch {
	case tested < truth:
		// A probe or a target reply was probably dropped.
		p.GroupSize = max(p.GroupSize*0.8, 1)
		p.SendDelay = min(p.SendDelay+undercountDelayStep, p.MaxSendDelay)
		p.GroupSize = max(2, min(p.GroupSize, pacingCap(p.SendDelay)))
	case tested > truth:
		p.GroupSize = max(p.GroupSize*0.8, 2)
		return true
	default:
		p.SendDelay = scaleDelay(p.SendDelay, 0.9)
		p.GroupSize = min(p.GroupSize*1.1, pacingCap(p.SendDelay), float64(p.MaxGroupSize))
	}
	return false
}

// adjustForProbeLoss slows down when a count lost zombie probes and speeds up
// lightly when it did not.
func (p *ProxyState) adjustForProbeLoss(lost bool) {
	if lost {
		p.SendDelay = min(p.SendDelay+probeLossDelayStep, p.MaxSendDelay)
	} else {
		p.SendDelay = scaleDelay(p.SendDelay, 0.95)
	}
	p.GroupSize = max(2, min(p.GroupSize, pacingCap(p.SendDelay)))
}

// adjustTiming applies the controller to the session's zombie and warns once
// per session about phantom ports.
func (s *IdleScanner) adjustTiming(p *ProxyState, tested, truth int) {
	group, delay := p.GroupSize, p.SendDelay
	if p.adjustTiming(tested, truth) && !s.notIdleWarned {
		s.notIdleWarned = true
		s.logger.Warn("idle scan detected phantom ports, is the zombie really idle?",
			"zombie_addr", p.Addr.String(),
		)
	}
	s.logger.Debug("adjusted idle timing",
		"tested", tested,
		"truth", truth,
		"group_size_before", group,
		"send_delay_us_before", delay.Microseconds(),
		"group_size", p.GroupSize,
		"send_delay_us", p.SendDelay.Microseconds(),
	)
}
