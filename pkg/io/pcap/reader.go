// Package pcap reads packet records from pcap and pcapng capture files.
package pcap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/packetguard/pkg/packet"
)

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Transport protocol names.
const (
	TCP   = "TCP"
	UDP   = "UDP"
	ICMP  = "ICMP"
	Other = "Other"
)

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader reads packets from a capture file.
type Reader struct {
	file      *os.File
	source    packetSource
	extractor *FeatureExtractor
}

// NewFileReader opens a pcap or pcapng file. The format is detected from the
// file's magic number.
func NewFileReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	r.file = file

	return r, nil
}

// NewReader reads a pcap or pcapng stream from src.
func NewReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(len(ngMagic))
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var source packetSource
	if bytes.Equal(magic, ngMagic) {
		source, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		source, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}

	return &Reader{
		source:    source,
		extractor: NewFeatureExtractor(),
	}, nil
}

// Read decodes every packet in the capture into a record.
func (r *Reader) Read() ([]packet.Record, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	var records []packet.Record
	linkType := r.source.LinkType()

	for {
		data, ci, err := r.source.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", len(records), err)
		}

		p := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		records = append(records, r.extractor.Extract(p, ci))
	}

	return records, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// FeatureExtractor extracts packet attributes from decoded packets.
type FeatureExtractor struct{}

// NewFeatureExtractor creates a new packet feature extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Extract converts a packet to a record. Attributes the packet does not
// carry, such as ports on ICMP, are left out.
func (e *FeatureExtractor) Extract(p gopacket.Packet, ci gopacket.CaptureInfo) packet.Record {
	length := ci.Length
	if length == 0 {
		length = len(p.Data())
	}

	rec := packet.Record{
		packet.Length:            length,
		packet.TransportProtocol: Other,
	}
	if !ci.Timestamp.IsZero() {
		rec[packet.Time] = float64(ci.Timestamp.UnixNano()) / 1e9
	}

	if ipLayer := p.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		rec[packet.SrcIP] = ip.SrcIP.String()
		rec[packet.DstIP] = ip.DstIP.String()
		rec[packet.TTL] = int(ip.TTL)
		rec[packet.Proto] = int(ip.Protocol)
	} else if ipLayer := p.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		rec[packet.SrcIP] = ip.SrcIP.String()
		rec[packet.DstIP] = ip.DstIP.String()
		rec[packet.TTL] = int(ip.HopLimit)
		rec[packet.Proto] = int(ip.NextHeader)
	}

	if tcpLayer := p.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		rec[packet.TransportProtocol] = TCP
		rec[packet.SrcPort] = int(tcp.SrcPort)
		rec[packet.DstPort] = int(tcp.DstPort)
		rec[packet.TCPFlags] = encodeTCPFlags(tcp)
	} else if udpLayer := p.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		rec[packet.TransportProtocol] = UDP
		rec[packet.SrcPort] = int(udp.SrcPort)
		rec[packet.DstPort] = int(udp.DstPort)
	} else if p.Layer(layers.LayerTypeICMPv4) != nil || p.Layer(layers.LayerTypeICMPv6) != nil {
		rec[packet.TransportProtocol] = ICMP
	}

	return rec
}

// encodeTCPFlags packs the TCP flags into their header bit positions.
func encodeTCPFlags(tcp *layers.TCP) int {
	var flags int
	if tcp.FIN {
		flags |= 0x01
	}
	if tcp.SYN {
		flags |= 0x02
	}
	if tcp.RST {
		flags |= 0x04
	}
	if tcp.PSH {
		flags |= 0x08
	}
	if tcp.ACK {
		flags |= 0x10
	}
	if tcp.URG {
		flags |= 0x20
	}
	return flags
}
