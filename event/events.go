package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/ipastusi/lanmonitor/device"
)

// ChangeEvent is a transition of one device between two consecutive scans.
type ChangeEvent struct {
	ID     uuid.UUID
	Kind   Kind
	Device device.Device
	Ts     time.Time
}

// WithDevices replaces the device copies carried by events with their committed versions,
// which carry the stored ID, vendor and custom name.
func WithDevices(events []ChangeEvent, devices []device.Device) []ChangeEvent {
	byMAC := make(map[string]device.Device, len(devices))
	for _, d := range devices {
		byMAC[d.MAC] = d
	}

	out := make([]ChangeEvent, len(events))
	for i, e := range events {
		out[i] = e
		if d, ok := byMAC[e.Device.MAC]; ok {
			out[i].Device = d
		}
	}
	return out
}
