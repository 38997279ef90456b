package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPReplayConfig configures ReadPCAPFile.
type PCAPReplayConfig struct {
	// UDPPort selects datagrams by destination port; 0 accepts every UDP packet.
	UDPPort int

	// SpeedMultiplier paces replay against capture timestamps
	// (1.0 = real time, 2.0 = twice as fast). 0 replays as fast as possible.
	SpeedMultiplier float64
}

// PCAPResult summarises a replay.
type PCAPResult struct {
	Packets  int
	Matched  int
	Errors   int
	Duration time.Duration
}

// ReadPCAPFile replays the simulator datagrams captured in a classic pcap
// file through handler. The reader is pure Go, so no libpcap is required.
func ReadPCAPFile(ctx context.Context, path string, handler PacketHandler, config PCAPReplayConfig) (PCAPResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return PCAPResult{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, handler, config)
}

// ReplayPCAP is ReadPCAPFile over an arbitrary reader.
func ReplayPCAP(ctx context.Context, r io.Reader, handler PacketHandler, config PCAPReplayConfig) (PCAPResult, error) {
	var res PCAPResult
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return res, fmt.Errorf("failed to read PCAP header: %w", err)
	}

	start := time.Now()
	var firstCapture time.Time
	for {
		if err := ctx.Err(); err != nil {
			opsf("PCAP replay stopping due to context cancellation (processed %d packets)", res.Packets)
			res.Duration = time.Since(start)
			return res, err
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("failed to read PCAP packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if config.UDPPort != 0 && int(udp.DstPort) != config.UDPPort {
			continue
		}
		res.Matched++

		if config.SpeedMultiplier > 0 {
			if firstCapture.IsZero() {
				firstCapture = ci.Timestamp
			}
			due := start.Add(time.Duration(float64(ci.Timestamp.Sub(firstCapture)) / config.SpeedMultiplier))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					res.Duration = time.Since(start)
					return res, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		if err := handler.HandlePacket(udp.Payload); err != nil {
			res.Errors++
			diagf("error handling PCAP packet %d: %v", res.Packets, err)
		}
	}

	res.Duration = time.Since(start)
	opsf("PCAP replay complete: %d packets, %d datagrams in %v", res.Packets, res.Matched, res.Duration)
	return res, nil
}

// PCAPWriter records datagrams as Ethernet/IPv4/UDP frames, producing files
// ReplayPCAP can read back.
type PCAPWriter struct {
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.UDPPort
	dstPort layers.UDPPort
}

// NewPCAPWriter writes the file header to w.
func NewPCAPWriter(w io.Writer, dstPort int) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}
	return &PCAPWriter{
		w:       pw,
		src:     net.IPv4(127, 0, 0, 1),
		dst:     net.IPv4(127, 0, 0, 1),
		srcPort: 50000,
		dstPort: layers.UDPPort(dstPort),
	}, nil
}

// WriteDatagram appends payload captured at ts.
func (p *PCAPWriter) WriteDatagram(ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.src,
		DstIP:    p.dst,
	}
	udp := &layers.UDP{SrcPort: p.srcPort, DstPort: p.dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialise datagram: %w", err)
	}
	data := buf.Bytes()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}
