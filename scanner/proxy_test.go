package scanner

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseZombieSpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{spec: "zombie.example.com", wantHost: "zombie.example.com", wantPort: DefaultProbePort},
		{spec: "192.0.2.7:139", wantHost: "192.0.2.7", wantPort: 139},
		{spec: "host:65535", wantHost: "host", wantPort: 65535},
		{spec: "host:", wantErr: true},
		{spec: "host:0", wantErr: true},
		{spec: "host:65536", wantErr: true},
		{spec: "host:http", wantErr: true},
		{spec: ":80", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			host, port, err := parseZombieSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestQualifyIncrementalZombie(t *testing.T) {
	n := newSimNet()
	s := n.newScanner("zombie", Options{})

	p, err := s.bind(simTarget)
	require.NoError(t, err)

	assert.Equal(t, SeqIncremental, p.SeqClass)
	assert.Equal(t, n.counter, p.LatestIPID, "latest IPID is the spoof test reading")
	assert.Equal(t, uint16(DefaultProbePort), p.ProbePort)
	assert.True(t, simScanner.Equal(p.Source))
	assert.Equal(t, "sim0", p.Device)
	assert.InDelta(t, 30.0, p.GroupSize, 1e-9)
	assert.Equal(t, time.Duration(0), p.SendDelay)
	assert.True(t, p.Timing.Known())
	assert.Equal(t, "tcp and src host 10.0.0.2 and dst host 10.0.0.1 and src port 80", n.filter)

	// Six qualification queries from magic+1 to magic+6.
	for i := 0; i < qualifyProbes; i++ {
		assert.Equal(t, uint16(DefaultMagicPort+i+1), n.sent[i].SrcPort)
		assert.Equal(t, FlagSYN|FlagACK, n.sent[i].Flags)
	}
	// Then four SYN|ACKs forged from the target.
	for i := qualifyProbes; i < qualifyProbes+spoofProbes; i++ {
		assert.True(t, simTarget.Equal(n.sent[i].Src))
		assert.True(t, simZombie.Equal(n.sent[i].Dst))
	}
}

func TestQualifyIsRepeatable(t *testing.T) {
	var classes []SeqClass
	var latest []uint16
	for i := 0; i < 2; i++ {
		n := newSimNet()
		p := mustQualify(t, n.newScanner("zombie", Options{}))
		classes = append(classes, p.SeqClass)
		latest = append(latest, p.LatestIPID)
	}
	assert.Equal(t, classes[0], classes[1])
	assert.Equal(t, latest[0], latest[1])
}

func TestQualifyBrokenLittleEndianZombie(t *testing.T) {
	n := newSimNet()
	n.mode = ipidBrokenLE
	p := mustQualify(t, n.newScanner("zombie:139", Options{}))

	assert.Equal(t, SeqBrokenIncremental, p.SeqClass)
	assert.Equal(t, swap16(n.counter), p.LatestIPID)
	assert.Equal(t, uint16(139), p.ProbePort)
}

func TestQualifyLossyZombieStartsSlower(t *testing.T) {
	n := newSimNet()
	n.dropReplies = 1
	p := mustQualify(t, n.newScanner("zombie", Options{}))

	assert.Equal(t, SeqIncremental, p.SeqClass)
	assert.InDelta(t, 12.0, p.GroupSize, 1e-9)
	assert.Equal(t, 5*time.Millisecond, p.SendDelay)
}

func TestQualifyHonoursOptions(t *testing.T) {
	n := newSimNet()
	source := net.IPv4(10, 9, 9, 9).To4()
	n.scanner = source
	p := mustQualify(t, n.newScanner("zombie", Options{
		MaxGroupSize: 10,
		Source:       source,
		Device:       "eth9",
	}))

	assert.InDelta(t, 10.0, p.GroupSize, 1e-9)
	assert.Equal(t, 10, p.MaxGroupSize)
	assert.True(t, source.Equal(p.Source))
	assert.Equal(t, "eth9", p.Device)
	assert.Equal(t, "tcp and src host 10.0.0.2 and dst host 10.9.9.9 and src port 80", n.filter)
	for _, seg := range n.sent[:qualifyProbes] {
		assert.True(t, source.Equal(seg.Src))
	}
}

func TestQualifyFailures(t *testing.T) {
	tests := []struct {
		name    string
		zombie  string
		setup   func(n *simNet)
		wantErr error
	}{
		{
			name:    "random IPIDs",
			zombie:  "zombie",
			setup:   func(n *simNet) { n.mode = ipidRandom },
			wantErr: ErrUnusableZombie,
		},
		{
			name:    "constant IPIDs",
			zombie:  "zombie",
			setup:   func(n *simNet) { n.mode = ipidConstant },
			wantErr: ErrUnusableZombie,
		},
		{
			name:    "silent zombie",
			zombie:  "zombie",
			setup:   func(n *simNet) { n.dropReplies = 1000 },
			wantErr: ErrUnusableZombie,
		},
		{
			name:    "spoofed packets filtered",
			zombie:  "zombie",
			setup:   func(n *simNet) { n.spoofable = false },
			wantErr: ErrSpoofingFailed,
		},
		{
			name:    "unresolvable zombie",
			zombie:  "ghost",
			setup:   func(n *simNet) { n.unknown = map[string]bool{"ghost": true} },
			wantErr: ErrZombieResolve,
		},
		{
			name:    "bad probe port",
			zombie:  "zombie:0",
			setup:   func(*simNet) {},
			wantErr: ErrBadZombieSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newSimNet()
			tt.setup(n)
			s := n.newScanner(tt.zombie, Options{})

			p, err := s.bind(simTarget)
			assert.Nil(t, p)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsFatal(err))
			assert.Contains(t, err.Error(), tt.zombie)
			assert.Nil(t, s.Proxy())
		})
	}
}

func TestQualifyWithoutTargetSkipsSpoofTest(t *testing.T) {
	n := newSimNet()
	n.spoofable = false
	s := n.newScanner("zombie", Options{})

	p, err := s.bind(nil)
	require.NoError(t, err)
	assert.Equal(t, SeqIncremental, p.SeqClass)
	assert.Len(t, n.sent, qualifyProbes)
}

func TestValidateZombie(t *testing.T) {
	assert.NoError(t, ValidateZombie("192.0.2.7"))
	assert.NoError(t, ValidateZombie("printer.lan:139"))
	assert.ErrorIs(t, ValidateZombie("printer.lan:0"), ErrBadZombieSpec)
	assert.ErrorIs(t, ValidateZombie(""), ErrBadZombieSpec)
}
