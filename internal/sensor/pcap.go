package sensor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPProvider replays a packet capture of the UDP frame stream, one frame
// per Update. Only UDP datagrams to Port are considered (0 accepts any).
type PCAPProvider struct {
	*bodySet
	file    *os.File
	source  *gopacket.PacketSource
	port    uint16
	packets int
	frames  int
}

// OpenPCAP opens a classic pcap file. The reader is pure Go, so no libpcap
// is required.
func OpenPCAP(path string, port uint16) (*PCAPProvider, error) {
	clean := filepath.Clean(path)
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", clean, err)
	}
	p, err := NewPCAPProvider(f, port)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.file = f
	monitoring.Logf("[sensor] PCAP replay of %s (udp port %d)", clean, port)
	return p, nil
}

// NewPCAPProvider reads a capture from r.
func NewPCAPProvider(r io.Reader, port uint16) (*PCAPProvider, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	src := gopacket.NewPacketSource(reader, reader.LinkType())
	return &PCAPProvider{bodySet: newBodySet(), source: src, port: port}, nil
}

// Update advances to the next decodable frame in the capture. Packets that
// are not UDP to the configured port, or whose payload is not a frame, are
// skipped.
func (p *PCAPProvider) Update(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		packet, err := p.source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("[sensor] PCAP replay complete: %d packets, %d frames", p.packets, p.frames)
			p.clear()
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("pcap packet %d: %w", p.packets+1, err)
		}
		p.packets++

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if p.port != 0 && uint16(udp.DstPort) != p.port {
			continue
		}
		f, err := DecodeFrame(udp.Payload)
		if err != nil {
			monitoring.Logf("[sensor] PCAP packet %d: %v", p.packets, err)
			continue
		}
		p.frames++
		p.set(f)
		return nil
	}
}

// Frames returns how many frames have been replayed.
func (p *PCAPProvider) Frames() int { return p.frames }

// Close releases the capture file.
func (p *PCAPProvider) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
