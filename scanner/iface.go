package scanner

import (
	"fmt"
	"net"
	"net/netip"
)

// MaxSegmentBits is the widest segment a sweep accepts, i.e. at most a /16.
const MaxSegmentBits = 16

// Target is the interface and IPv4 segment a sweep runs on.
type Target struct {
	Interface *net.Interface
	Segment   netip.Prefix
	Self      netip.Addr
}

// ResolveTarget picks the named interface, or the first up, non-loopback interface with an
// IPv4 address when name is empty. The segment defaults to the interface's own network.
func ResolveTarget(name string, segment string) (Target, error) {
	var iface *net.Interface
	var ipNet *net.IPNet
	var err error

	if name != "" {
		iface, ipNet, err = interfaceByName(name)
	} else {
		iface, ipNet, err = defaultInterface()
	}
	if err != nil {
		return Target{}, err
	}

	self, ok := netip.AddrFromSlice(ipNet.IP.To4())
	if !ok {
		return Target{}, fmt.Errorf("%w: %v has no IPv4 address", ErrNoInterface, iface.Name)
	}

	var prefix netip.Prefix
	if segment != "" {
		prefix, err = ParseSegment(segment)
	} else {
		ones, _ := ipNet.Mask.Size()
		prefix, err = checkSegment(netip.PrefixFrom(self, ones).Masked())
	}
	if err != nil {
		return Target{}, err
	}

	return Target{Interface: iface, Segment: prefix, Self: self}, nil
}

// ParseSegment parses an IPv4 CIDR range no larger than a /16.
func ParseSegment(segment string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(segment)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
	}
	return checkSegment(prefix.Masked())
}

func checkSegment(prefix netip.Prefix) (netip.Prefix, error) {
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %v is not IPv4", ErrInvalidSegment, prefix)
	}
	if prefix.Bits() < MaxSegmentBits {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrSegmentTooLarge, prefix)
	}
	return prefix, nil
}

// Hosts lists the addresses to probe in prefix, skipping the network and broadcast
// addresses (except for /31 and /32) and self.
func Hosts(prefix netip.Prefix, self netip.Addr) []netip.Addr {
	prefix = prefix.Masked()
	first := prefix.Addr()

	var hosts []netip.Addr
	for ip := first; prefix.Contains(ip); ip = ip.Next() {
		hosts = append(hosts, ip)
	}
	if prefix.Bits() < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}

	out := hosts[:0]
	for _, ip := range hosts {
		if ip != self {
			out = append(out, ip)
		}
	}
	return out
}

func interfaceByName(name string) (*net.Interface, *net.IPNet, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoInterface, err)
	}
	ipNet, err := firstIPv4Net(iface)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v: %v", ErrNoInterface, name, err)
	}
	return iface, ipNet, nil
}

func defaultInterface() (*net.Interface, *net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoInterface, err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		ipNet, err := firstIPv4Net(&iface)
		if err == nil {
			return &iface, ipNet, nil
		}
	}
	return nil, nil, ErrNoInterface
}

func firstIPv4Net(iface *net.Interface) (*net.IPNet, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address found on interface")
}
