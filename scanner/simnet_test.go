package scanner

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	simScanner = net.IPv4(10, 0, 0, 1).To4()
	simZombie  = net.IPv4(10, 0, 0, 2).To4()
	simTarget  = net.IPv4(10, 0, 0, 3).To4()
)

type simClock struct {
	now time.Time
}

func newSimClock() *simClock {
	return &simClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *simClock) Now() time.Time { return c.now }

func (c *simClock) Sleep(d time.Duration) {
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

type ipidMode int

const (
	ipidIncremental ipidMode = iota
	ipidBrokenLE
	ipidRandom
	ipidConstant
)

type pendingReply struct {
	at    time.Time
	reply Reply
}

// simNet is a deterministic network with one scanner, one zombie and one
// target. The zombie answers SYN|ACK queries with RSTs carrying its IPID. A
// forged SYN to an open target port bumps the zombie's counter after
// targetDelay, as the target's SYN|ACK would.
type simNet struct {
	clock *simClock
	rng   *rand.Rand

	// scanner is the address the zombie answers queries from; it follows a
	// Source override.
	scanner net.IP

	mode        ipidMode
	counter     uint16
	zombieRTT   time.Duration
	targetDelay time.Duration
	spoofable   bool
	open        map[uint16]bool

	// dropReplies discards the next n zombie replies to the scanner after the
	// zombie has consumed an IPID for them.
	dropReplies int
	// noise is extra traffic the zombie emits before each probe reply.
	noise uint16
	// onQuery runs when a scanner query reaches the zombie, before it picks an IPID.
	onQuery func()

	bumps   []time.Time
	pending []pendingReply
	extra   []pendingReply
	sent    []TCPSegment
	filter  string
	closed  bool
	unknown map[string]bool
}

func newSimNet(open ...uint16) *simNet {
	n := &simNet{
		clock:       newSimClock(),
		scanner:     simScanner,
		rng:         rand.New(rand.NewSource(1)),
		counter:     1000,
		zombieRTT:   20 * time.Millisecond,
		targetDelay: 30 * time.Millisecond,
		spoofable:   true,
		open:        make(map[uint16]bool),
	}
	for _, p := range open {
		n.open[p] = true
	}
	return n
}

func (n *simNet) newScanner(zombie string, opts Options) *IdleScanner {
	return NewIdleScanner(zombie, opts,
		WithTransport(n),
		WithClock(n.clock),
		WithRand(rand.New(rand.NewSource(7))),
		WithLogger(quietLogger()),
	)
}

// nextIPID returns the IPID the zombie stamps on a packet it emits at t.
func (n *simNet) nextIPID(t time.Time) uint16 {
	n.applyBumps(t)
	switch n.mode {
	case ipidRandom:
		return uint16(n.rng.Uint32())
	case ipidConstant:
		return n.counter
	}
	n.counter++
	if n.mode == ipidBrokenLE {
		return swap16(n.counter)
	}
	return n.counter
}

func (n *simNet) applyBumps(t time.Time) {
	kept := n.bumps[:0]
	for _, at := range n.bumps {
		if !at.After(t) {
			if n.mode != ipidConstant {
				n.counter++
			}
			continue
		}
		kept = append(kept, at)
	}
	n.bumps = kept
}

func (n *simNet) Resolve(host string) (net.IP, error) {
	if n.unknown[host] {
		return nil, errors.New("no such host")
	}
	switch host {
	case "zombie":
		return simZombie, nil
	case "target":
		return simTarget, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4(), nil
	}
	return nil, errors.New("no such host")
}

func (n *simNet) Route(net.IP) (net.IP, string, error) {
	return n.scanner, "sim0", nil
}

func (n *simNet) Open(_ string, filter string) (PacketSender, PacketCapture, error) {
	n.filter = filter
	return n, n, nil
}

func (n *simNet) SendTCP(seg TCPSegment) error {
	n.sent = append(n.sent, seg)
	now := n.clock.Now()

	switch {
	case seg.Dst.Equal(simZombie) && seg.Src.Equal(n.scanner):
		if n.onQuery != nil {
			n.onQuery()
		}
		n.counter += n.noise
		ipid := n.nextIPID(now.Add(n.zombieRTT / 2))
		if n.dropReplies > 0 {
			n.dropReplies--
			return nil
		}
		n.pending = append(n.pending, pendingReply{
			at: now.Add(n.zombieRTT),
			reply: Reply{
				Src:     simZombie,
				Dst:     seg.Src,
				SrcPort: seg.DstPort,
				DstPort: seg.SrcPort,
				Flags:   FlagRST,
				IPID:    ipid,
			},
		})
	case seg.Dst.Equal(simZombie):
		// Spoofed from a third party: the zombie's RST goes to that party.
		if n.spoofable {
			n.bumps = append(n.bumps, now.Add(n.zombieRTT/2))
		}
	case seg.Src.Equal(simZombie) && seg.Dst.Equal(simTarget):
		if n.spoofable && n.open[seg.DstPort] && seg.Flags&FlagSYN != 0 {
			n.bumps = append(n.bumps, now.Add(n.targetDelay))
		}
	}
	return nil
}

func (n *simNet) ReadReply(timeout time.Duration) (*Reply, error) {
	n.pending = append(n.pending, n.extra...)
	n.extra = nil
	sort.SliceStable(n.pending, func(i, j int) bool { return n.pending[i].at.Before(n.pending[j].at) })

	deadline := n.clock.Now().Add(timeout)
	if len(n.pending) > 0 && !n.pending[0].at.After(deadline) {
		next := n.pending[0]
		n.pending = n.pending[1:]
		if next.at.After(n.clock.Now()) {
			n.clock.now = next.at
		}
		reply := next.reply
		return &reply, nil
	}
	n.clock.now = deadline
	return nil, nil
}

func (n *simNet) Close() error {
	n.closed = true
	return nil
}

// inject queues an arbitrary packet for the scanner at the current time.
func (n *simNet) inject(r Reply) {
	n.extra = append(n.extra, pendingReply{at: n.clock.Now(), reply: r})
}

func (n *simNet) forgedSYNs() int {
	count := 0
	for _, seg := range n.sent {
		if seg.Src.Equal(simZombie) {
			count++
		}
	}
	return count
}

// zombieQueries counts the IPID queries the scanner has sent to the zombie.
func (n *simNet) zombieQueries() int {
	count := 0
	for _, seg := range n.sent {
		if seg.Src.Equal(n.scanner) && seg.Dst.Equal(simZombie) {
			count++
		}
	}
	return count
}

// fixedRand returns the same value on every draw.
type fixedRand uint32

func (r fixedRand) Uint32() uint32 { return uint32(r) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustQualify(t *testing.T, s *IdleScanner) *ProxyState {
	t.Helper()
	p, err := s.bind(simTarget)
	require.NoError(t, err)
	return p
}
