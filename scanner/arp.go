package scanner

import (
	"net/netip"
	"time"

	"github.com/mdlayher/arp"
)

// arpProber uses a raw AF_PACKET socket bound to the ARP ethertype.
type arpProber struct {
	client *arp.Client
}

func OpenARP(target Target) (Prober, error) {
	client, err := arp.Dial(target.Interface)
	if err != nil {
		return nil, err
	}
	return &arpProber{client: client}, nil
}

func (p *arpProber) Request(ip netip.Addr) error {
	return p.client.Request(ip)
}

func (p *arpProber) Read() (Reply, error) {
	packet, _, err := p.client.Read()
	if err != nil {
		return Reply{}, err
	}
	return Reply{IP: packet.SenderIP, MAC: packet.SenderHardwareAddr}, nil
}

func (p *arpProber) SetReadDeadline(t time.Time) error {
	return p.client.SetReadDeadline(t)
}

func (p *arpProber) Close() error {
	return p.client.Close()
}
