package scanner

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/ipastusi/lanmonitor/device"
)

// Filter drops observations by IP, by MAC or by an exact IP and MAC pair.
type Filter struct {
	excludedIPs   map[string]struct{}
	excludedMACs  map[string]struct{}
	excludedPairs map[string]struct{}
}

func NewFilter(excludedIPs map[string]struct{}, excludedMACs map[string]struct{}, excludedPairs map[string]struct{}) Filter {
	return Filter{
		excludedIPs:   excludedIPs,
		excludedMACs:  excludedMACs,
		excludedPairs: excludedPairs,
	}
}

func (f Filter) IsExcluded(ip string, mac string) bool {
	pair := fmt.Sprintf("%v,%v", ip, mac)
	if _, ok := f.excludedIPs[ip]; ok {
		return true
	} else if _, ok = f.excludedMACs[mac]; ok {
		return true
	} else if _, ok = f.excludedPairs[pair]; ok {
		return true
	}
	return false
}

func ReadIPs(r io.Reader) (map[string]struct{}, error) {
	ips := map[string]struct{}{}
	err := readLines(r, func(line string) error {
		if !IsValidIPv4(line) {
			return fmt.Errorf("invalid IP address: %v", line)
		}
		ips[line] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ips, nil
}

func ReadMACs(r io.Reader) (map[string]struct{}, error) {
	macs := map[string]struct{}{}
	err := readLines(r, func(line string) error {
		mac, err := device.NormalizeMAC(line)
		if err != nil {
			return fmt.Errorf("invalid MAC address: %v", line)
		}
		macs[mac] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return macs, nil
}

func ReadPairs(r io.Reader) (map[string]struct{}, error) {
	pairs := map[string]struct{}{}
	err := readLines(r, func(line string) error {
		ip, rawMac, found := strings.Cut(line, ",")
		if !found {
			return fmt.Errorf("invalid line: %v", line)
		}
		ip, rawMac = strings.TrimSpace(ip), strings.TrimSpace(rawMac)
		if !IsValidIPv4(ip) {
			return fmt.Errorf("invalid IP address: %v", line)
		}
		mac, err := device.NormalizeMAC(rawMac)
		if err != nil {
			return fmt.Errorf("invalid MAC address: %v", line)
		}
		pairs[fmt.Sprintf("%v,%v", ip, mac)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func IsValidIPv4(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Is4()
}

// readLines calls fn for every non-empty line, skipping # comments.
func readLines(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
