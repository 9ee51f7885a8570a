package state

import (
	"encoding/json"
)

// VendorState is the on-disk form of the vendor resolver cache.
type VendorState struct {
	Entries []Entry `json:"entries"`
}

type Entry struct {
	Prefix       string `json:"prefix"`
	Vendor       string `json:"vendor,omitempty"`
	Negative     bool   `json:"negative,omitempty"`
	ExpiresTs    int64  `json:"expiresTs,omitempty"`
	RetryAfterTs int64  `json:"retryAfterTs,omitempty"`
	Failures     int    `json:"failures,omitempty"`
}

func NewVendorState() VendorState {
	return VendorState{
		// nil vs empty slice matters when marshalling to json
		Entries: make([]Entry, 0),
	}
}

func FromJson(data []byte) (VendorState, error) {
	var vendorState VendorState
	err := json.Unmarshal(data, &vendorState)
	return vendorState, err
}

func (s *VendorState) ToJson() ([]byte, error) {
	return json.Marshal(s)
}
