package device

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type VendorStatus string

const (
	VendorUnresolved VendorStatus = "unresolved"
	VendorResolved   VendorStatus = "resolved"
	VendorUnknown    VendorStatus = "unknown"
)

// Device is one physical network interface, identified by its MAC address only.
type Device struct {
	ID           int64
	MAC          string
	IP           string
	Vendor       string
	VendorStatus VendorStatus
	CustomName   string
	Hostname     string
	FirstSeen    time.Time
	LastSeen     time.Time
	Connected    bool
	Watched      bool
	MissedScans  int
}

// DisplayName returns the custom name if set, else the vendor name, else the MAC address.
func (d Device) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	if d.Vendor != "" {
		return d.Vendor
	}
	return d.MAC
}

func (d Device) NeedsVendor() bool {
	return d.VendorStatus == "" || d.VendorStatus == VendorUnresolved
}

type Observation struct {
	MAC      string
	IP       string
	Hostname string
}

// Snapshot is the set of devices observed during one scan cycle.
type Snapshot struct {
	Ts           time.Time
	Observations []Observation
}

// ByMAC indexes observations by normalized MAC address. Observations with an invalid
// MAC are skipped and the first observation of a MAC wins.
func (s Snapshot) ByMAC() map[string]Observation {
	out := make(map[string]Observation, len(s.Observations))
	for _, o := range s.Observations {
		mac, err := NormalizeMAC(o.MAC)
		if err != nil {
			continue
		}
		if _, ok := out[mac]; ok {
			continue
		}
		o.MAC = mac
		out[mac] = o
	}
	return out
}

// NormalizeMAC returns the lower-case, colon separated form of a 48-bit MAC address.
func NormalizeMAC(mac string) (string, error) {
	trimmed := strings.TrimSpace(mac)
	hw, err := net.ParseMAC(trimmed)
	if err != nil {
		// net.ParseMAC does not accept bare hex, e.g. AABBCCDDEEFF
		if len(trimmed) == 12 {
			hw, err = net.ParseMAC(splitHex(trimmed))
		}
		if err != nil {
			return "", fmt.Errorf("invalid MAC address %q: %w", mac, err)
		}
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid MAC address %q: not a 48-bit address", mac)
	}
	return hw.String(), nil
}

// Prefix returns the OUI part (first three octets) of a normalized MAC address.
func Prefix(mac string) string {
	if len(mac) < 8 {
		return mac
	}
	return mac[:8]
}

func IsValidMAC(mac string) bool {
	_, err := NormalizeMAC(mac)
	return err == nil
}

func splitHex(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}
