package scanner

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	qualifyProbes      = 6
	qualifySpacing     = 30 * time.Millisecond
	qualifyPoll        = time.Millisecond
	qualifyHardTimeout = 9 * time.Second

	spoofProbes  = 4
	spoofSpacing = 50 * time.Millisecond
	spoofSettle  = 300 * time.Millisecond

	initialGroupSize = 30
	lossyGroupSize   = 12
	lossySendDelay   = 5 * time.Millisecond
)

// parseZombieSpec splits "host" or "host:port" into its parts.
func parseZombieSpec(spec string) (string, uint16, error) {
	host, portStr, hasPort := strings.Cut(spec, ":")
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", spec)
	}
	if !hasPort {
		return host, DefaultProbePort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port number in %q", spec)
	}
	return host, uint16(port), nil
}

// ParseZombie splits a "host[:port]" zombie into host and probe port.
func ParseZombie(spec string) (string, uint16, error) {
	host, port, err := parseZombieSpec(spec)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrBadZombieSpec, err)
	}
	return host, port, nil
}

// ValidateZombie reports whether spec is a usable "host[:port]" zombie.
func ValidateZombie(spec string) error {
	_, _, err := ParseZombie(spec)
	return err
}

// qualify resolves the zombie, checks that its IPID sequence is predictable
// and, when firstTarget is set, that packets spoofed from that target move the
// zombie's counter. Every failure is fatal.
func (s *IdleScanner) qualify(firstTarget net.IP) (*ProxyState, error) {
	host, probePort, err := parseZombieSpec(s.zombie)
	if err != nil {
		return nil, fatalf(s.zombie, ErrBadZombieSpec, "%v", err)
	}

	addr, err := s.transport.Resolve(host)
	if err != nil {
		return nil, fatalf(s.zombie, ErrZombieResolve, "%s: %v", host, err)
	}

	p := &ProxyState{
		Name:         host,
		Addr:         addr.To4(),
		ProbePort:    probePort,
		MaxGroupSize: s.opts.MaxGroupSize,
		MaxSendDelay: s.opts.MaxSendDelay,
		Timing:       NewTimingState(s.opts.InitialRTTTimeout),
	}

	if s.opts.Source != nil {
		p.Source = s.opts.Source.To4()
		p.Device = s.opts.Device
	} else {
		p.Source, p.Device, err = s.transport.Route(p.Addr)
		if err != nil {
			return nil, fatalf(s.zombie, ErrNoRoute, "%v", err)
		}
	}

	filter := fmt.Sprintf("tcp and src host %s and dst host %s and src port %d", p.Addr, p.Source, p.ProbePort)
	p.sender, p.capture, err = s.transport.Open(p.Device, filter)
	if err != nil {
		return nil, fatalf(s.zombie, ErrPacketPath, "device %q: %v", p.Device, err)
	}

	ids := s.sampleIPIDs(p)
	p.SeqClass = ClassifyIPIDs(ids)
	if !p.SeqClass.Usable() {
		p.close()
		return nil, fatalf(s.zombie, ErrUnusableZombie,
			"%s (%s) port %d cannot be used because IPID sequencability class is: %s. Try another zombie",
			p.Name, p.Addr, p.ProbePort, p.SeqClass)
	}

	p.LatestIPID = ids[len(ids)-1]
	p.GroupSize = float64(min(p.MaxGroupSize, initialGroupSize))
	if len(ids) < qualifyProbes {
		s.logger.Warn("zombie qualification lost probes, starting slower",
			"sent", qualifyProbes,
			"returned", len(ids),
		)
		p.GroupSize = float64(min(p.MaxGroupSize, lossyGroupSize))
		p.SendDelay += lossySendDelay
	}

	s.logger.Info("idle scan using zombie",
		"zombie_addr", p.Addr.String(),
		"probe_port", p.ProbePort,
		"class", p.SeqClass.String(),
	)

	if firstTarget != nil {
		if err := s.checkSpoofing(p, firstTarget.To4()); err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

// sampleIPIDs sends the qualification probes and returns the IPIDs of the
// replies in arrival order.
func (s *IdleScanner) sampleIPIDs(p *ProxyState) []uint16 {
	seqBase := s.rng.Uint32()
	ack := s.rng.Uint32()

	var (
		ids      []uint16
		sentAt   [qualifyProbes]time.Time
		lastIPID uint16
		timedOut bool
	)

	for sent := 0; sent < qualifyProbes; {
		if s.opts.ScanDelay > 0 {
			s.clock.Sleep(s.opts.ScanDelay)
		} else if sent > 0 {
			s.clock.Sleep(qualifySpacing)
		}

		seg := TCPSegment{
			Src:     p.Source,
			Dst:     p.Addr,
			SrcPort: s.opts.MagicPort + uint16(sent) + 1,
			DstPort: p.ProbePort,
			Seq:     seqBase + uint32(sent) + 1,
			Ack:     ack,
			Flags:   FlagSYN | FlagACK,
		}
		if err := p.sender.SendTCP(seg); err != nil {
			s.logger.Debug("qualification probe send failed", "error", err)
		}
		sentAt[sent] = s.clock.Now()
		sent++

		for len(ids) < sent && !timedOut {
			timeout := qualifyPoll
			if sent == qualifyProbes {
				timeout = qualifyHardTimeout - s.clock.Now().Sub(sentAt[sent-1])
				if timeout <= 0 {
					timedOut = true
					break
				}
			}

			reply, err := p.capture.ReadReply(timeout)
			now := s.clock.Now()
			if err != nil {
				s.logger.Warn("zombie capture read failed", "error", err)
				break
			}
			if reply == nil {
				if sent < qualifyProbes {
					break
				}
				continue
			}
			if now.Sub(sentAt[sent-1]) >= qualifyHardTimeout {
				timedOut = true
			}

			// Consecutive identical IPIDs are duplicates of one reply.
			if lastIPID != 0 && reply.IPID == lastIPID {
				continue
			}
			lastIPID = reply.IPID

			if !isPlausibleReply(reply, p.ProbePort, s.opts.MagicPort+1, qualifyProbes) {
				s.logger.Debug("unexpected packet during zombie qualification",
					"src", reply.Src.String(),
					"dst_port", reply.DstPort,
				)
				continue
			}

			p.Timing.Update(sentAt[len(ids)], now)
			ids = append(ids, reply.IPID)
		}
	}
	return ids
}

// checkSpoofing forges SYN|ACKs from target to the zombie and verifies that
// the zombie's IPID moved by the expected amount.
func (s *IdleScanner) checkSpoofing(p *ProxyState, target net.IP) error {
	seqBase := s.rng.Uint32()
	for i := 0; i < spoofProbes; i++ {
		if i > 0 {
			s.clock.Sleep(spoofSpacing)
		}
		seg := TCPSegment{
			Src:     target,
			Dst:     p.Addr,
			SrcPort: s.opts.MagicPort,
			DstPort: p.ProbePort,
			Seq:     seqBase + uint32(i) + 1,
			Flags:   FlagSYN | FlagACK,
		}
		if err := p.sender.SendTCP(seg); err != nil {
			s.logger.Debug("spoofed probe send failed", "error", err)
		}
	}

	s.clock.Sleep(spoofSettle)
	out := s.probeIPID(p)
	if out.ipid < 0 {
		out = s.probeIPID(p)
	}
	if out.ipid < 0 {
		return fatalf(s.zombie, ErrZombieUnreachable,
			"%s (%s) is behaving strangely, suddenly cannot obtain IPID", p.Name, p.Addr)
	}

	distance := IPIDDistance(p.SeqClass, p.LatestIPID, uint16(out.ipid))
	switch {
	case distance <= 0:
		return fatalf(s.zombie, ErrZombieUnreachable,
			"%s (%s) is behaving strangely, cannot obtain a valid IPID distance", p.Name, p.Addr)
	case distance == 1:
		return fatalf(s.zombie, ErrSpoofingFailed,
			"%s (%s) looks IPID-predictable (class: %s) but forged packets did not reach it. "+
				"The zombie may use a separate IPID base for each host, spoofing may be blocked by an egress filter, "+
				"or the target network drops the packets as bogus",
			p.Name, p.Addr, p.SeqClass)
	case distance != spoofProbes+1:
		s.logger.Warn("unexpected IPID distance in spoofing test",
			"sent", spoofProbes,
			"expected", spoofProbes+1,
			"distance", distance,
		)
	}

	p.LatestIPID = uint16(out.ipid)
	return nil
}

func (p *ProxyState) close() {
	if p.sender != nil {
		_ = p.sender.Close()
	}
	if p.capture != nil {
		_ = p.capture.Close()
	}
}
