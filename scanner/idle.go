package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"blindscan/logging"
)

const (
	// DefaultMagicPort is the base source port for zombie probes.
	DefaultMagicPort = 49724
	// DefaultProbePort is the zombie port probed when the zombie names none.
	DefaultProbePort = 80
	// DefaultMaxGroupSize caps how many ports are counted in one estimate.
	DefaultMaxGroupSize = 100
	// DefaultMaxSendDelay caps the adaptive pause between forged SYNs.
	DefaultMaxSendDelay = 100 * time.Millisecond
)

// Options tunes an IdleScanner. The zero value selects the defaults.
type Options struct {
	MaxGroupSize      int
	MaxSendDelay      time.Duration
	MagicPort         uint16
	FixedMagicPort    bool          // use MagicPort as is instead of adding a random byte per probe round
	ScanDelay         time.Duration // fixed pause between probes; replaces adaptive pacing when set
	InitialRTTTimeout time.Duration
	DataLength        int    // random payload bytes carried by forged SYNs
	Source            net.IP // overrides route lookup together with Device
	Device            string
	HostTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxGroupSize < 2 {
		o.MaxGroupSize = DefaultMaxGroupSize
	}
	if o.MaxSendDelay <= 0 {
		o.MaxSendDelay = DefaultMaxSendDelay
	}
	if o.MagicPort == 0 {
		o.MagicPort = DefaultMagicPort
	}
	if o.InitialRTTTimeout <= 0 {
		o.InitialRTTTimeout = DefaultInitialRTTTimeout
	}
	return o
}

// ProxyState is everything known about the bound zombie.
type ProxyState struct {
	Name       string
	Addr       net.IP
	Source     net.IP
	Device     string
	ProbePort  uint16
	SeqClass   SeqClass
	LatestIPID uint16

	GroupSize    float64
	MaxGroupSize int
	SendDelay    time.Duration
	MaxSendDelay time.Duration

	Timing TimingState

	sender  PacketSender
	capture PacketCapture
}

// Target is one host scanned through the zombie.
type Target struct {
	Name   string
	Addr   net.IP
	Timing TimingState
	Ports  *PortList
}

// NewTarget creates a target with no timing data and an empty port list.
func NewTarget(name string, addr net.IP) *Target {
	return &Target{Name: name, Addr: addr.To4(), Ports: NewPortList()}
}

// Results lists the verdict for every port in ports, in the given order.
func (t *Target) Results(ports []uint16) []ScanResult {
	results := make([]ScanResult, 0, len(ports))
	for _, port := range ports {
		state, _ := t.Ports.Lookup(port)
		results = append(results, ScanResult{Host: t.Name, Port: int(port), State: state.String()})
	}
	return results
}

// IdleScanner scans targets through a single zombie. The zombie is fixed at
// construction and qualified on the first Scan; every later Scan reuses the
// cached ProxyState.
type IdleScanner struct {
	mu sync.Mutex

	zombie    string
	opts      Options
	transport Transport
	clock     Clock
	rng       Rand
	logger    *slog.Logger

	proxy *ProxyState

	synSeq        uint32
	probeSeqBase  uint32
	probeAck      uint32
	probeCount    uint32
	notIdleWarned bool
	extraPayload  []byte
}

// Option configures an IdleScanner.
type Option func(*IdleScanner)

// WithTransport replaces the raw socket transport.
func WithTransport(t Transport) Option {
	return func(s *IdleScanner) { s.transport = t }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *IdleScanner) { s.clock = c }
}

// WithRand replaces the random source.
func WithRand(r Rand) Option {
	return func(s *IdleScanner) { s.rng = r }
}

// WithLogger replaces the shared logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *IdleScanner) { s.logger = l }
}

// NewIdleScanner binds a scanner to zombie, given as "host" or "host:port".
func NewIdleScanner(zombie string, opts Options, options ...Option) *IdleScanner {
	s := &IdleScanner{
		zombie: zombie,
		opts:   opts.withDefaults(),
		clock:  realClock{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.transport == nil {
		s.transport = NewRawTransport()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.logger == nil {
		s.logger = logging.Logger()
	}
	s.logger = s.logger.With("zombie", zombie)
	return s
}

// Zombie returns the zombie specification the scanner is bound to.
func (s *IdleScanner) Zombie() string {
	return s.zombie
}

// Proxy returns a snapshot of the zombie state, or nil before qualification.
func (s *IdleScanner) Proxy() *ProxyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxy == nil {
		return nil
	}
	snapshot := *s.proxy
	snapshot.sender, snapshot.capture = nil, nil
	return &snapshot
}

// Close releases the zombie's packet paths. A later Scan qualifies the
// zombie again.
func (s *IdleScanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxy == nil {
		return nil
	}
	s.proxy.close()
	s.proxy = nil
	return nil
}

// Scan determines the state of every port in ports on t. On success each port
// has exactly one verdict, Open or Closed, in t.Ports. Errors satisfying
// IsFatal end the whole run; a context error only abandons this target.
func (s *IdleScanner) Scan(ctx context.Context, t *Target, ports []uint16) error {
	if len(ports) == 0 {
		return fatalf(s.zombie, ErrNoPorts, "target %s", t.Name)
	}
	if t.Addr.To4() == nil {
		return fmt.Errorf("target %s: %w", t.Name, ErrNotIPv4)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.bind(t.Addr)
	if err != nil {
		return err
	}

	log := s.logger.With("target", t.Addr.String())
	log.Info("initiating idle scan", "target_name", t.Name, "ports", len(ports))

	if !t.Timing.Known() {
		t.Timing.SeedFrom(p.Timing)
	}

	start := s.clock.Now()
	for idx := 0; idx < len(ports); {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("idle scan of %s interrupted: %w", t.Name, err)
		}
		// The tree scan halves each group right away.
		size := min(len(ports)-idx, int(p.GroupSize*2))
		ts := s.newTreeScan(p, t)
		if _, err := ts.scan(ports[idx:idx+size], -1); err != nil {
			return err
		}
		idx += size
	}

	log.Info("idle scan finished",
		"elapsed_s", int(s.clock.Now().Sub(start).Seconds()),
		"ports", len(ports),
		"open", len(t.Ports.Open()),
	)

	for _, port := range ports {
		if _, ok := t.Ports.Lookup(port); !ok {
			t.Ports.Add(port, PortClosed)
		}
	}
	return nil
}

// bind qualifies the zombie on first use.
func (s *IdleScanner) bind(firstTarget net.IP) (*ProxyState, error) {
	if s.proxy != nil {
		return s.proxy, nil
	}
	p, err := s.qualify(firstTarget)
	if err != nil {
		return nil, err
	}
	s.proxy = p
	return p, nil
}

func (s *IdleScanner) newTreeScan(p *ProxyState, t *Target) *treeScan {
	return &treeScan{
		count: func(ports []uint16) (openCount, error) {
			return s.countOpen(p, t, ports)
		},
		adjust: func(tested, truth int) {
			s.adjustTiming(p, tested, truth)
		},
		timing: &t.Timing,
		ports:  t.Ports,
		logger: s.logger.With("target", t.Addr.String()),
	}
}

func (s *IdleScanner) randByte() uint8 {
	return uint8(s.rng.Uint32())
}
