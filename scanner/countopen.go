package scanner

import "time"

const (
	sampleInstants  = 4
	minSampleGap    = 50 * time.Millisecond
	minFirstSleep   = 500 * time.Microsecond
	maxLongWait     = 4 * time.Second
	longWaitPercent = 200 // a random byte above this enables the fourth sample

	countTries      = 6
	lastTryPatience = 45 * time.Second
)

// openCount is one estimate of how many ports in a group are open. When timed
// is set, sentAt and rcvdAt bracket the earliest sample that saw the final
// count and can be fed into the target's RTT estimator.
type openCount struct {
	count  int
	sentAt time.Time
	rcvdAt time.Time
	timed  bool
}

// countOpenOnce forges one SYN from the zombie to every port and samples the
// zombie's IPID afterwards. It returns -1 when no sample succeeded; the count
// may also exceed len(ports) if the zombie was busy.
func (s *IdleScanner) countOpenOnce(p *ProxyState, t *Target, ports []uint16) openCount {
	if s.synSeq == 0 {
		s.synSeq = s.rng.Uint32()
	}
	payload := s.payload()

	start := s.clock.Now()
	for i, port := range ports {
		if s.opts.ScanDelay > 0 {
			s.clock.Sleep(s.opts.ScanDelay)
		} else if p.SendDelay > 0 && i > 0 {
			s.clock.Sleep(p.SendDelay)
		}
		seg := TCPSegment{
			Src:     p.Addr,
			Dst:     t.Addr,
			SrcPort: p.ProbePort,
			DstPort: port,
			Seq:     s.synSeq,
			Flags:   FlagSYN,
			Payload: payload,
		}
		if err := p.sender.SendTCP(seg); err != nil {
			s.logger.Debug("forged SYN send failed", "port", port, "error", err)
		}
	}
	end := s.clock.Now()

	srtt, rttvar := t.Timing.SRTT, t.Timing.RTTVar
	instants := [sampleInstants]time.Time{
		start.Add(max(50*time.Millisecond, srtt*3/4)),
		start.Add(srtt),
		end.Add(max(75*time.Millisecond, srtt+rttvar)),
		end.Add(min(maxLongWait, srtt+4*rttvar)),
	}

	res := openCount{count: -1}
	var (
		latestChange time.Time
		proxySent    int
		proxyRcvd    int
		newIPID      = -1
		longWait     bool
	)

	for try := 0; try < sampleInstants; try++ {
		if try == 2 {
			longWait = s.randByte() > longWaitPercent
		}
		if try == 3 && !longWait {
			break
		}
		last := try == 3 || (try == 2 && !longWait)

		sleep := instants[try].Sub(s.clock.Now())
		if !last && proxySent > 0 && sleep < minSampleGap {
			continue
		}
		if try == 0 && sleep < minFirstSleep {
			sleep = minFirstSleep
		}
		s.clock.Sleep(sleep)

		out := s.probeIPID(p)
		proxySent += out.sent
		proxyRcvd += out.rcvd

		if out.ipid >= 0 {
			newIPID = out.ipid
			distance := IPIDDistance(p.SeqClass, p.LatestIPID, uint16(out.ipid))
			if distance < proxySent {
				s.logger.Debug("IPID distance below zombie probes sent, a packet was lost",
					"distance", distance,
					"probes_sent", proxySent,
				)
			}
			distance -= proxySent
			switch {
			case distance > res.count:
				res.count = distance
				latestChange = s.clock.Now()
			case distance >= 0 && distance < res.count:
				s.logger.Debug("open count dropped between samples, keeping the maximum",
					"try", try,
					"count", distance,
					"max", res.count,
				)
			}
		}

		if res.count > len(ports) || (len(ports) <= 2 && res.count == len(ports)) {
			break
		}
	}

	lost := proxySent > proxyRcvd
	if lost {
		s.logger.Debug("zombie probes lost, slowing down",
			"probes_sent", proxySent,
			"probes_rcvd", proxyRcvd,
		)
	}
	p.adjustForProbeLoss(lost)

	if res.count > 0 && res.count <= len(ports) {
		res.sentAt, res.rcvdAt, res.timed = start, latestChange, true
	}
	if newIPID >= 0 {
		p.LatestIPID = uint16(newIPID)
	}
	return res
}

// countOpen retries countOpenOnce until it yields a count between 0 and
// len(ports), backing off between attempts. Running out of attempts is fatal.
func (s *IdleScanner) countOpen(p *ProxyState, t *Target, ports []uint16) (openCount, error) {
	var res openCount
	for tries := 1; ; tries++ {
		res = s.countOpenOnce(p, t, ports)
		if res.count >= 0 && res.count <= len(ports) {
			break
		}
		if tries == countTries {
			return res, fatalf(s.zombie, ErrNoMeaningfulResults,
				"%s (%s) counted %d open ports out of %d after %d tries", p.Name, p.Addr, res.count, len(ports), countTries)
		}

		s.logger.Debug("open count out of range, retrying",
			"try", tries,
			"count", res.count,
			"ports", len(ports),
		)
		// The zombie may have had a brief burst of traffic.
		s.clock.Sleep(time.Duration(tries*tries) * time.Second)
		if tries == countTries-1 {
			s.clock.Sleep(lastTryPatience)
		}
	}

	s.logger.Debug("counted open ports",
		"open", res.count,
		"ports", len(ports),
		"first_port", ports[0],
		"group_size", p.GroupSize,
		"send_delay_us", p.SendDelay.Microseconds(),
	)
	return res, nil
}

// payload returns the random data carried by forged SYNs, if any.
func (s *IdleScanner) payload() []byte {
	if s.opts.DataLength <= 0 {
		return nil
	}
	if len(s.extraPayload) != s.opts.DataLength {
		s.extraPayload = make([]byte, s.opts.DataLength)
		for i := range s.extraPayload {
			s.extraPayload[i] = s.randByte()
		}
	}
	return s.extraPayload
}
