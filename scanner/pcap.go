package scanner

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

const pcapReadTimeout = 100 * time.Millisecond

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// pcapProber injects ARP requests and captures ARP packets through libpcap.
// It works where raw sockets are unavailable, e.g. on macOS.
type pcapProber struct {
	handle *pcap.Handle
	srcMAC net.HardwareAddr
	self   netip.Addr

	mu       sync.Mutex
	deadline time.Time
}

func OpenPcap(target Target) (Prober, error) {
	if len(target.Interface.HardwareAddr) != 6 {
		return nil, errors.New("unexpected interface MAC length")
	}

	// short read timeout so Read can observe its deadline
	handle, err := pcap.OpenLive(target.Interface.Name, 128, false, pcapReadTimeout)
	if err != nil {
		return nil, err
	}
	if err = handle.SetBPFFilter("arp"); err != nil {
		handle.Close()
		return nil, err
	}

	return &pcapProber{
		handle: handle,
		srcMAC: target.Interface.HardwareAddr,
		self:   target.Self,
	}, nil
}

func (p *pcapProber) Request(ip netip.Addr) error {
	eth := &layers.Ethernet{
		SrcMAC:       p.srcMAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(p.srcMAC),
		SourceProtAddress: p.self.AsSlice(),
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    ip.AsSlice(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return err
	}
	return p.handle.WritePacketData(buf.Bytes())
}

func (p *pcapProber) Read() (Reply, error) {
	for {
		if p.deadlinePassed() {
			return Reply{}, os.ErrDeadlineExceeded
		}

		data, _, err := p.handle.ReadPacketData()
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			continue
		} else if err != nil {
			return Reply{}, err
		}

		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		arpLayer := packet.Layer(layers.LayerTypeARP)
		if arpLayer == nil {
			continue
		}
		arp := arpLayer.(*layers.ARP)
		ip, ok := netip.AddrFromSlice(arp.SourceProtAddress)
		if !ok {
			continue
		}
		mac := make(net.HardwareAddr, len(arp.SourceHwAddress))
		copy(mac, arp.SourceHwAddress)
		return Reply{IP: ip.Unmap(), MAC: mac}, nil
	}
}

func (p *pcapProber) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	return nil
}

func (p *pcapProber) Close() error {
	p.handle.Close()
	return nil
}

func (p *pcapProber) deadlinePassed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.deadline.IsZero() && !time.Now().Before(p.deadline)
}
