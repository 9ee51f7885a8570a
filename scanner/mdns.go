package scanner

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// MDNSLookup asks the mDNS group for the names of the given addresses with reverse PTR
// queries and collects answers for at most window. Any failure yields fewer names.
func MDNSLookup(window time.Duration) HostnameLookup {
	return func(ctx context.Context, iface *net.Interface, ips []netip.Addr) map[netip.Addr]string {
		names := map[netip.Addr]string{}
		wanted := map[netip.Addr]struct{}{}
		for _, ip := range ips {
			wanted[ip] = struct{}{}
		}

		conn, err := net.ListenMulticastUDP("udp4", iface, mdnsGroup)
		if err != nil {
			return names
		}
		defer conn.Close()
		_ = conn.SetReadBuffer(1 << 20)

		for _, ip := range ips {
			query, err := reverseQuery(ip)
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(query, mdnsGroup)
		}

		deadline := time.Now().Add(window)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

		buf := make([]byte, 65536)
		for len(names) < len(wanted) && ctx.Err() == nil {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if isTimeout(err) {
					break
				}
				continue
			}

			msg := new(dns.Msg)
			if err := msg.Unpack(buf[:n]); err != nil {
				continue
			}
			for ip, name := range HostnamesFromMessage(msg) {
				if _, ok := wanted[ip]; ok {
					names[ip] = name
				}
			}
		}
		return names
	}
}

func reverseQuery(ip netip.Addr) ([]byte, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = false
	return msg.Pack()
}

// HostnamesFromMessage extracts address to name mappings from PTR and A records.
func HostnamesFromMessage(msg *dns.Msg) map[netip.Addr]string {
	out := map[netip.Addr]string{}
	for _, rr := range append(msg.Answer, msg.Extra...) {
		switch record := rr.(type) {
		case *dns.PTR:
			if ip, ok := addrFromArpa(record.Hdr.Name); ok {
				out[ip] = strings.TrimSuffix(record.Ptr, ".")
			}
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(record.A.To4()); ok {
				if _, exists := out[ip]; !exists {
					out[ip] = strings.TrimSuffix(record.Hdr.Name, ".")
				}
			}
		}
	}
	return out
}

func addrFromArpa(name string) (netip.Addr, bool) {
	trimmed, found := strings.CutSuffix(strings.ToLower(name), ".in-addr.arpa.")
	if !found {
		return netip.Addr{}, false
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) != 4 {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0])
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}
