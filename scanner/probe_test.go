package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPlausibleReply(t *testing.T) {
	const base = 50000
	tests := []struct {
		name  string
		reply Reply
		tries int
		want  bool
	}{
		{"first try", Reply{SrcPort: 80, DstPort: base, Flags: FlagRST}, 1, true},
		{"rst ack", Reply{SrcPort: 80, DstPort: base, Flags: FlagRST | FlagACK}, 1, true},
		{"later try not sent yet", Reply{SrcPort: 80, DstPort: base + 1, Flags: FlagRST}, 1, false},
		{"later try sent", Reply{SrcPort: 80, DstPort: base + 2, Flags: FlagRST}, 3, true},
		{"below base", Reply{SrcPort: 80, DstPort: base - 1, Flags: FlagRST}, 3, false},
		{"no rst", Reply{SrcPort: 80, DstPort: base, Flags: FlagSYN | FlagACK}, 1, false},
		{"other source port", Reply{SrcPort: 443, DstPort: base, Flags: FlagRST}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPlausibleReply(&tt.reply, 80, base, tt.tries))
		})
	}
}

func TestIsStaleReply(t *testing.T) {
	magic := uint16(DefaultMagicPort)
	assert.False(t, isStaleReply(&Reply{DstPort: magic}, magic))
	assert.True(t, isStaleReply(&Reply{DstPort: magic + 1}, magic))
	assert.True(t, isStaleReply(&Reply{DstPort: magic + 259}, magic))
	assert.False(t, isStaleReply(&Reply{DstPort: magic + 260}, magic))
	assert.False(t, isStaleReply(&Reply{DstPort: 1234}, magic))

	high := uint16(65500)
	assert.True(t, isStaleReply(&Reply{DstPort: 65535}, high))
	assert.True(t, isStaleReply(&Reply{DstPort: 3}, high))
	assert.False(t, isStaleReply(&Reply{DstPort: 224}, high))
}

func TestIsPlausibleReplyAcrossPortWrap(t *testing.T) {
	const base = 65534
	assert.True(t, isPlausibleReply(&Reply{SrcPort: 80, DstPort: 65535, Flags: FlagRST}, 80, base, 3))
	assert.True(t, isPlausibleReply(&Reply{SrcPort: 80, DstPort: 0, Flags: FlagRST}, 80, base, 3))
	assert.False(t, isPlausibleReply(&Reply{SrcPort: 80, DstPort: 0, Flags: FlagRST}, 80, base, 2))
	assert.False(t, isPlausibleReply(&Reply{SrcPort: 80, DstPort: 1, Flags: FlagRST}, 80, base, 3))
	assert.False(t, isPlausibleReply(&Reply{SrcPort: 80, DstPort: 65533, Flags: FlagRST}, 80, base, 3))
}

func TestRetriesMatchRepliesAtTopOfPortRange(t *testing.T) {
	n := newSimNet()
	s := n.newScanner("zombie", Options{MagicPort: 65535, FixedMagicPort: true})
	p := mustQualify(t, s)
	latest := p.LatestIPID

	n.dropReplies = 1
	out := s.probeIPID(p)
	assert.Equal(t, int(latest)+2, out.ipid)
	assert.Equal(t, 2, out.sent)
	assert.Equal(t, 1, out.rcvd)
	assert.Equal(t, uint16(0), n.sent[len(n.sent)-1].SrcPort)
}

func TestProbeIPIDLeavesLatestIPID(t *testing.T) {
	n := newSimNet()
	s := n.newScanner("zombie", Options{})
	p := mustQualify(t, s)
	latest := p.LatestIPID

	out := s.probeIPID(p)
	assert.Equal(t, int(latest)+1, out.ipid)
	assert.Equal(t, 1, out.sent)
	assert.Equal(t, 1, out.rcvd)
	assert.Equal(t, latest, p.LatestIPID)
}

func TestProbeIPIDRetriesAfterLostReply(t *testing.T) {
	n := newSimNet()
	s := n.newScanner("zombie", Options{})
	p := mustQualify(t, s)
	latest := p.LatestIPID

	n.dropReplies = 1
	before := n.clock.Now()
	out := s.probeIPID(p)

	assert.Equal(t, int(latest)+2, out.ipid, "the lost probe still consumed an IPID")
	assert.Equal(t, 2, out.sent)
	assert.Equal(t, 1, out.rcvd)
	assert.GreaterOrEqual(t, n.clock.Now().Sub(before), minRTTTimeout, "waited out the first try")

	// Each try uses the next source port.
	last := n.sent[len(n.sent)-1]
	prev := n.sent[len(n.sent)-2]
	assert.Equal(t, prev.SrcPort+1, last.SrcPort)
	assert.Equal(t, FlagSYN|FlagACK, last.Flags)
}

func TestProbeIPIDGivesUpAfterThreeTries(t *testing.T) {
	n := newSimNet()
	s := n.newScanner("zombie", Options{})
	p := mustQualify(t, s)

	n.dropReplies = probeTries
	out := s.probeIPID(p)
	assert.Equal(t, -1, out.ipid)
	assert.Equal(t, probeTries, out.sent)
	assert.Equal(t, 0, out.rcvd)
}

func TestProbeIPIDCountsStaleReplies(t *testing.T) {
	n := newSimNet()
	s := n.newScanner("zombie", Options{FixedMagicPort: true})
	p := mustQualify(t, s)
	latest := p.LatestIPID

	n.inject(Reply{Src: simZombie, Dst: simScanner, SrcPort: 80, DstPort: DefaultMagicPort + 5, Flags: FlagRST, IPID: 7})
	n.inject(Reply{Src: simZombie, Dst: simScanner, SrcPort: 80, DstPort: 1234, Flags: FlagRST, IPID: 8})
	out := s.probeIPID(p)

	assert.Equal(t, int(latest)+1, out.ipid, "stale and unrelated replies carry no signal")
	assert.Equal(t, 1, out.sent)
	assert.Equal(t, 2, out.rcvd, "the stale reply counts as received")
}
