package history

import (
	"slices"
	"strings"
	"time"

	"github.com/ipastusi/lanmonitor/device"
)

type AddressDetails struct {
	FirstTs int64
	LastTs  int64
	Count   int
}

// Record is the flat form of one address book entry, as stored on disk.
type Record struct {
	Ip      string
	Mac     string
	FirstTs int64
	LastTs  int64
	Count   int
}

// AddressBook remembers every IP address a MAC address has been observed with.
// It is not safe for concurrent use; the registry serializes access to it.
type AddressBook struct {
	Items map[AddressKey]AddressDetails
}

func NewAddressBook() AddressBook {
	return AddressBook{
		Items: map[AddressKey]AddressDetails{},
	}
}

func FromRecords(records []Record) AddressBook {
	book := NewAddressBook()
	for _, r := range records {
		key := KeyFromIpMac(r.Ip, r.Mac)
		book.Items[key] = AddressDetails{
			FirstTs: r.FirstTs,
			LastTs:  r.LastTs,
			Count:   r.Count,
		}
	}
	return book
}

func (b *AddressBook) Clone() AddressBook {
	clone := NewAddressBook()
	for k, v := range b.Items {
		clone.Items[k] = v
	}
	return clone
}

// Update records one sighting and returns the resulting entry.
func (b *AddressBook) Update(obs device.Observation, ts time.Time) Record {
	key := KeyFromIpMac(obs.IP, obs.MAC)
	tsMillis := ts.UnixMilli()

	val := b.Items[key]
	if val.Count == 0 {
		val.FirstTs = tsMillis
	}
	if tsMillis > val.LastTs {
		val.LastTs = tsMillis
	}
	val.Count++
	b.Items[key] = val

	ip, mac := key.ToIpMac()
	return Record{
		Ip:      ip,
		Mac:     mac,
		FirstTs: val.FirstTs,
		LastTs:  val.LastTs,
		Count:   val.Count,
	}
}

func (b *AddressBook) Records() []Record {
	records := make([]Record, 0, len(b.Items))
	for key, val := range b.Items {
		ip, mac := key.ToIpMac()
		records = append(records, Record{
			Ip:      ip,
			Mac:     mac,
			FirstTs: val.FirstTs,
			LastTs:  val.LastTs,
			Count:   val.Count,
		})
	}
	slices.SortFunc(records, func(a, b Record) int {
		if c := strings.Compare(a.Mac, b.Mac); c != 0 {
			return c
		}
		return int(a.FirstTs - b.FirstTs)
	})
	return records
}

func (b *AddressBook) IpAndMacMaps() (map[string]map[string]struct{}, map[string]map[string]struct{}) {
	ipToMac := map[string]map[string]struct{}{}
	macToIp := map[string]map[string]struct{}{}

	for key := range b.Items {
		ip, mac := key.ToIpMac()

		if _, ok := ipToMac[ip]; !ok {
			ipToMac[ip] = map[string]struct{}{}
		}
		ipToMac[ip][mac] = struct{}{}

		if _, ok := macToIp[mac]; !ok {
			macToIp[mac] = map[string]struct{}{}
		}
		macToIp[mac][ip] = struct{}{}
	}

	return ipToMac, macToIp
}

// OtherIps lists the addresses a MAC was seen with, excluding the current one.
func (b *AddressBook) OtherIps(mac string, currentIp string) []string {
	var other []string
	for key := range b.Items {
		ip, keyMac := key.ToIpMac()
		if keyMac == mac && ip != currentIp {
			other = append(other, ip)
		}
	}
	slices.Sort(other)
	return other
}
