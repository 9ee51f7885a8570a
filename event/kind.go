package event

type Kind int

const (
	Connected    Kind = 100
	Disconnected Kind = 101
	NewDevice    Kind = 200
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case NewDevice:
		return "NEW_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// verb is the past tense used in alert messages.
func (k Kind) verb() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case NewDevice:
		return "joined the network"
	default:
		return "changed"
	}
}
