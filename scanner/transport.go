package scanner

import (
	"net"
	"time"
)

// TCPFlags holds the TCP control bits of a crafted or captured segment.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
)

// TCPSegment describes one IPv4/TCP segment to put on the wire. Src may be any
// address, including one that does not belong to this host.
type TCPSegment struct {
	Src     net.IP
	Dst     net.IP
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
	Payload []byte
}

// Reply is a captured IPv4/TCP packet reduced to the fields idle scanning needs.
type Reply struct {
	Src     net.IP
	Dst     net.IP
	SrcPort uint16
	DstPort uint16
	Flags   TCPFlags
	IPID    uint16
}

// PacketSender transmits crafted segments without waiting for delivery.
type PacketSender interface {
	SendTCP(seg TCPSegment) error
	Close() error
}

// PacketCapture returns packets matching the filter it was opened with.
// ReadReply returns (nil, nil) when timeout passes without a packet.
type PacketCapture interface {
	ReadReply(timeout time.Duration) (*Reply, error)
	Close() error
}

// Transport resolves hosts and opens the packet paths used to talk to a zombie.
type Transport interface {
	Resolve(host string) (net.IP, error)
	Route(dst net.IP) (src net.IP, device string, err error)
	Open(device, filter string) (PacketSender, PacketCapture, error)
}

// Clock supplies time to the engine. Tests substitute a virtual clock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Rand supplies the randomness used for port bases, sequence numbers and
// the long-wait sampling decision.
type Rand interface {
	Uint32() uint32
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
