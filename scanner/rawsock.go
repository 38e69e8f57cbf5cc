package scanner

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/routing"
	"golang.org/x/net/ipv4"
)

const (
	// 64 byte max IP header + 24 byte max link header + 64 byte max TCP header.
	captureSnaplen = 152
	capturePoll    = 5 * time.Millisecond
	sendTTL        = 64
	sendWindow     = 1024
)

// RawTransport sends forged IPv4/TCP segments through a raw socket and reads
// zombie replies with libpcap. Requires root/administrator privileges.
type RawTransport struct{}

// NewRawTransport returns the transport used outside of tests.
func NewRawTransport() *RawTransport {
	return &RawTransport{}
}

// Resolve returns the first IPv4 address of host. IPv6-only hosts are rejected.
func (RawTransport) Resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, ErrNotIPv4
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(ips) > 0 {
		return nil, fmt.Errorf("%s resolves only to IPv6 addresses: %w", host, ErrNotIPv4)
	}
	return nil, fmt.Errorf("no A records found for %s", host)
}

// Route picks the source address and interface the kernel would use for dst.
func (RawTransport) Route(dst net.IP) (net.IP, string, error) {
	router, err := routing.New()
	if err != nil {
		return nil, "", fmt.Errorf("read routing table: %w", err)
	}
	iface, _, src, err := router.Route(dst)
	if err != nil {
		return nil, "", fmt.Errorf("route to %s: %w", dst, err)
	}
	if iface == nil || src == nil {
		return nil, "", fmt.Errorf("no usable interface for %s", dst)
	}
	return src.To4(), iface.Name, nil
}

// Open creates the raw send socket and a capture on device limited by filter.
func (RawTransport) Open(device, filter string) (PacketSender, PacketCapture, error) {
	sender, err := NewRawSender()
	if err != nil {
		return nil, nil, err
	}
	capture, err := NewPcapCapture(device, filter)
	if err != nil {
		_ = sender.Close()
		return nil, nil, err
	}
	return sender, capture, nil
}

// RawSender writes complete IPv4 packets, so the source address can be any host.
type RawSender struct {
	conn    net.PacketConn
	rawConn *ipv4.RawConn
}

// NewRawSender opens an IP_HDRINCL socket for TCP.
func NewRawSender() (*RawSender, error) {
	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	rawConn, err := ipv4.NewRawConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open raw IPv4 conn: %w", err)
	}
	return &RawSender{conn: conn, rawConn: rawConn}, nil
}

// SendTCP serializes seg and puts it on the wire without waiting for delivery.
func (r *RawSender) SendTCP(seg TCPSegment) error {
	// 1. Pseudo header for the TCP checksum.
	ipLayer := &layers.IPv4{
		SrcIP:    seg.Src,
		DstIP:    seg.Dst,
		Protocol: layers.IPProtocolTCP,
	}

	// 2. TCP layer with the requested control bits.
	window := seg.Window
	if window == 0 {
		window = sendWindow
	}
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Window:  window,
		FIN:     seg.Flags&FlagFIN != 0,
		SYN:     seg.Flags&FlagSYN != 0,
		RST:     seg.Flags&FlagRST != 0,
		PSH:     seg.Flags&FlagPSH != 0,
		ACK:     seg.Flags&FlagACK != 0,
	}
	if err := tcpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return fmt.Errorf("tcp checksum: %w", err)
	}

	// 3. Serialize TCP and payload.
	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, tcpLayer, gopacket.Payload(seg.Payload)); err != nil {
		return fmt.Errorf("serialize tcp segment: %w", err)
	}
	body := buffer.Bytes()

	// 4. IPv4 header written by hand so the kernel keeps the forged source.
	header := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(body),
		TTL:      sendTTL,
		Protocol: int(layers.IPProtocolTCP),
		Src:      seg.Src,
		Dst:      seg.Dst,
	}
	if err := r.rawConn.WriteTo(header, body, nil); err != nil {
		return fmt.Errorf("send %s:%d -> %s:%d: %w", seg.Src, seg.SrcPort, seg.Dst, seg.DstPort, err)
	}
	return nil
}

// Close releases the raw socket.
func (r *RawSender) Close() error {
	err := r.rawConn.Close()
	if cerr := r.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// PcapCapture reads IPv4/TCP packets matching a BPF filter.
type PcapCapture struct {
	handle *pcap.Handle
}

// NewPcapCapture opens device in immediate mode with a short read timeout so
// ReadReply can honour timeouts finer than libpcap's own.
func NewPcapCapture(device, filter string) (*PcapCapture, error) {
	inactive, err := pcap.NewInactiveHandle(device)
	if err != nil {
		return nil, fmt.Errorf("pcap handle on %s: %w", device, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(captureSnaplen); err != nil {
		return nil, fmt.Errorf("pcap snaplen: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("pcap immediate mode: %w", err)
	}
	if err := inactive.SetTimeout(capturePoll); err != nil {
		return nil, fmt.Errorf("pcap timeout: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate pcap on %s: %w", device, err)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set BPF filter %q: %w", filter, err)
	}
	return &PcapCapture{handle: handle}, nil
}

// ReadReply returns the next IPv4/TCP packet, or nil once timeout has passed.
func (c *PcapCapture) ReadReply(timeout time.Duration) (*Reply, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, _, err := c.handle.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
		case err != nil:
			return nil, fmt.Errorf("read packet: %w", err)
		default:
			if reply := decodeReply(data, c.handle.LinkType()); reply != nil {
				return reply, nil
			}
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// Close releases the pcap handle.
func (c *PcapCapture) Close() error {
	c.handle.Close()
	return nil
}

func decodeReply(data []byte, linkType layers.LinkType) *Reply {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil
	}
	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil
	}

	var flags TCPFlags
	if tcp.FIN {
		flags |= FlagFIN
	}
	if tcp.SYN {
		flags |= FlagSYN
	}
	if tcp.RST {
		flags |= FlagRST
	}
	if tcp.PSH {
		flags |= FlagPSH
	}
	if tcp.ACK {
		flags |= FlagACK
	}

	return &Reply{
		Src:     append(net.IP(nil), ip.SrcIP.To4()...),
		Dst:     append(net.IP(nil), ip.DstIP.To4()...),
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Flags:   flags,
		IPID:    ip.Id,
	}
}

// InitIdleScan validates that raw sockets and libpcap are usable.
// Returns error if idle scan prerequisites are not met.
func InitIdleScan() error {
	if euid := os.Geteuid(); euid > 0 {
		return fmt.Errorf("idle scan requires root privileges (euid %d)", euid)
	}

	// Attempt to list network devices (requires elevated privileges).
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return fmt.Errorf("idle scan requires root/administrator privileges and libpcap: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no network devices found for idle scan")
	}
	return nil
}
