package event

type Notification struct {
	// IP and MAC addresses are stored as strings due to:
	// https://github.com/golang/go/issues/29678
	Id         string   `json:"id"`
	EventType  string   `json:"eventType"`
	Identity   string   `json:"identity"`
	DeviceId   int64    `json:"deviceId,omitempty"`
	Ip         string   `json:"ip"`
	Mac        string   `json:"mac"`
	MacVendor  string   `json:"macVendor"`
	CustomName string   `json:"customName,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	Watched    bool     `json:"watched"`
	FirstTs    int64    `json:"firstTs,omitempty"`
	Ts         int64    `json:"ts"`
	OtherIps   []string `json:"otherIps,omitempty"`
}
