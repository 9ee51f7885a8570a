package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ipastusi/lanmonitor/device"
)

// Alert is a change event that passed the dispatch rules, ready for delivery.
type Alert struct {
	ID       uuid.UUID
	Identity string
	Kind     Kind
	Device   device.Device
	OtherIps []string
	Ts       time.Time
}

func newAlert(e ChangeEvent, otherIps []string) Alert {
	return Alert{
		ID:       e.ID,
		Identity: e.Device.DisplayName(),
		Kind:     e.Kind,
		Device:   e.Device,
		OtherIps: otherIps,
		Ts:       e.Ts,
	}
}

func (a Alert) Title() string {
	if a.Device.ID > 0 {
		return fmt.Sprintf("Device #%v named %v %v", a.Device.ID, a.Identity, a.Kind.verb())
	}
	return fmt.Sprintf("Device %v %v", a.Identity, a.Kind.verb())
}

func (a Alert) Message() string {
	prefix := "Device"
	if a.Device.Watched {
		prefix = "Watched device"
	}
	return fmt.Sprintf("%v named %v (%v, %v) %v at %v",
		prefix, a.Identity, a.Device.MAC, a.Device.IP, a.Kind.verb(), a.Ts.Format(time.TimeOnly))
}

func (a Alert) toNotification() Notification {
	return Notification{
		Id:         a.ID.String(),
		EventType:  a.Kind.String(),
		Identity:   a.Identity,
		DeviceId:   a.Device.ID,
		Ip:         a.Device.IP,
		Mac:        a.Device.MAC,
		MacVendor:  a.Device.Vendor,
		CustomName: a.Device.CustomName,
		Hostname:   a.Device.Hostname,
		Watched:    a.Device.Watched,
		FirstTs:    a.Device.FirstSeen.UnixMilli(),
		Ts:         a.Ts.UnixMilli(),
		OtherIps:   a.OtherIps,
	}
}
