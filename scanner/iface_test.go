package scanner_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/ipastusi/lanmonitor/scanner"
)

func Test_ParseSegment(t *testing.T) {
	t.Parallel()

	data := map[string]struct {
		segment  string
		expected string
		err      error
	}{
		"class c":          {"192.168.1.0/24", "192.168.1.0/24", nil},
		"host bits masked": {"192.168.1.77/24", "192.168.1.0/24", nil},
		"largest allowed":  {"10.1.0.0/16", "10.1.0.0/16", nil},
		"too large":        {"10.0.0.0/8", "", scanner.ErrSegmentTooLarge},
		"ipv6":             {"fd00::/64", "", scanner.ErrInvalidSegment},
		"not a cidr":       {"192.168.1.0", "", scanner.ErrInvalidSegment},
	}

	for name, d := range data {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			prefix, err := scanner.ParseSegment(d.segment)
			if !errors.Is(err, d.err) {
				t.Fatalf("unexpected error for %v, expected: %v, got: %v", d.segment, d.err, err)
			}
			if d.err == nil && prefix.String() != d.expected {
				t.Fatalf("unexpected prefix, expected: %v, got: %v", d.expected, prefix)
			}
		})
	}
}

func Test_Hosts(t *testing.T) {
	t.Parallel()

	data := map[string]struct {
		prefix string
		self   string
		size   int
	}{
		"slash 24":            {"192.168.1.0/24", "192.168.1.10", 253},
		"slash 24 self apart": {"192.168.1.0/24", "10.0.0.1", 254},
		"slash 30":            {"192.168.1.0/30", "192.168.1.1", 1},
		"slash 31":            {"192.168.1.0/31", "192.168.1.0", 1},
		"slash 32":            {"192.168.1.1/32", "192.168.1.2", 1},
		"slash 16":            {"10.1.0.0/16", "10.1.0.1", 65533},
	}

	for name, d := range data {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			hosts := scanner.Hosts(netip.MustParsePrefix(d.prefix), netip.MustParseAddr(d.self))
			if len(hosts) != d.size {
				t.Fatalf("unexpected number of hosts for %v, expected: %v, got: %v", d.prefix, d.size, len(hosts))
			}
		})
	}
}
