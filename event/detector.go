package event

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/ipastusi/lanmonitor/device"
)

// Detector compares a fresh snapshot with the registry state. A connected device has to be
// missing from gracePeriod consecutive scans before it is reported as disconnected, which
// absorbs devices that skip the odd ARP reply.
type Detector struct {
	gracePeriod int
}

func NewDetector(gracePeriod int) (Detector, error) {
	if gracePeriod < 1 {
		return Detector{}, fmt.Errorf("grace period must be at least 1, got %v", gracePeriod)
	}
	return Detector{gracePeriod: gracePeriod}, nil
}

func (d Detector) GracePeriod() int {
	return d.gracePeriod
}

// DetectChanges does not modify its inputs. It returns the events implied by snapshot against current,
// sorted by MAC address. IP changes of connected devices produce no event.
func (d Detector) DetectChanges(snapshot device.Snapshot, current []device.Device) []ChangeEvent {
	known := make(map[string]device.Device, len(current))
	for _, dev := range current {
		known[dev.MAC] = dev
	}
	observed := snapshot.ByMAC()

	var events []ChangeEvent
	for mac, obs := range observed {
		dev, ok := known[mac]
		if !ok {
			events = append(events, d.newEvent(NewDevice, device.Device{
				MAC:       obs.MAC,
				IP:        obs.IP,
				Hostname:  obs.Hostname,
				FirstSeen: snapshot.Ts,
				LastSeen:  snapshot.Ts,
				Connected: true,
			}, snapshot))
			continue
		}
		if !dev.Connected {
			dev.Connected = true
			dev.IP = obs.IP
			dev.MissedScans = 0
			if snapshot.Ts.After(dev.LastSeen) {
				dev.LastSeen = snapshot.Ts
			}
			events = append(events, d.newEvent(Connected, dev, snapshot))
		}
	}

	for mac, dev := range known {
		if _, ok := observed[mac]; ok || !dev.Connected {
			continue
		}
		if dev.MissedScans+1 >= d.gracePeriod {
			dev.Connected = false
			dev.MissedScans++
			events = append(events, d.newEvent(Disconnected, dev, snapshot))
		}
	}

	slices.SortFunc(events, func(a, b ChangeEvent) int {
		return cmp.Compare(a.Device.MAC, b.Device.MAC)
	})
	return events
}

func (d Detector) newEvent(kind Kind, dev device.Device, snapshot device.Snapshot) ChangeEvent {
	return ChangeEvent{
		ID:     uuid.New(),
		Kind:   kind,
		Device: dev,
		Ts:     snapshot.Ts,
	}
}
