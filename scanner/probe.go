package scanner

import "time"

const (
	probeTries  = 3
	staleWindow = 260

	// MaxMagicPort is the highest magic port whose probe rounds fit below
	// 65536 without wrapping.
	MaxMagicPort = 65535 - staleWindow
)

// probeOutcome is the result of one IPID probe round. ipid is -1 when no
// plausible reply arrived.
type probeOutcome struct {
	ipid int
	sent int
	rcvd int
}

// isPlausibleReply reports whether r answers one of the first tries probes
// sent from source ports base, base+1, ...
func isPlausibleReply(r *Reply, probePort, base uint16, tries int) bool {
	if r.Flags&FlagRST == 0 || r.SrcPort != probePort {
		return false
	}
	// Source ports wrap past 65535.
	return int(r.DstPort-base) < tries
}

// isStaleReply reports whether r most likely answers a probe from an earlier
// round that arrived after its round gave up.
func isStaleReply(r *Reply, magic uint16) bool {
	offset := int(r.DstPort - magic)
	return offset > 0 && offset < staleWindow
}

// probeIPID sends up to three SYN|ACK probes to the zombie and returns the IPID
// carried by its RST. Every reply feeds the zombie RTT estimator. The caller
// decides whether to store the result in LatestIPID.
func (s *IdleScanner) probeIPID(p *ProxyState) probeOutcome {
	base := s.opts.MagicPort
	if !s.opts.FixedMagicPort {
		base += uint16(s.randByte())
	}
	if s.probeSeqBase == 0 {
		s.probeSeqBase = s.rng.Uint32()
	}
	if s.probeAck == 0 {
		s.probeAck = s.rng.Uint32()
	}

	out := probeOutcome{ipid: -1}
	var sentAt [probeTries]time.Time

	for tries := 0; out.ipid == -1 && tries < probeTries; {
		sentAt[tries] = s.clock.Now()
		seg := TCPSegment{
			Src:     p.Source,
			Dst:     p.Addr,
			SrcPort: base + uint16(tries),
			DstPort: p.ProbePort,
			Seq:     s.probeSeqBase + s.probeCount*500 + 1,
			Ack:     s.probeAck,
			Flags:   FlagSYN | FlagACK,
		}
		s.probeCount++
		if err := p.sender.SendTCP(seg); err != nil {
			s.logger.Debug("zombie probe send failed", "error", err)
		}
		out.sent++
		tries++

		now := s.clock.Now()
		for out.ipid == -1 || out.sent > out.rcvd {
			wait := p.Timing.Timeout - now.Sub(sentAt[tries-1])
			if wait <= 0 {
				break
			}
			reply, err := p.capture.ReadReply(wait)
			now = s.clock.Now()
			if err != nil {
				s.logger.Warn("zombie capture read failed", "error", err)
				break
			}
			if reply == nil {
				continue
			}

			if !isPlausibleReply(reply, p.ProbePort, base, tries) {
				if isStaleReply(reply, s.opts.MagicPort) {
					s.logger.Debug("zombie reply from an earlier probe round, widening rttvar",
						"dst_port", reply.DstPort,
						"rttvar_us", p.Timing.RTTVar.Microseconds(),
					)
					p.Timing.WidenVariance(1.2)
					out.rcvd++
				}
				continue
			}

			out.rcvd++
			out.ipid = int(reply.IPID)
			p.Timing.Update(sentAt[reply.DstPort-base], now)
		}
	}
	return out
}
