package history

import (
	"net"
)

// AddressKey packs an IPv4 address and a MAC address into a comparable map key.
type AddressKey [10]byte

func KeyFromIpMac(ip string, mac string) AddressKey {
	var key AddressKey
	copy(key[:4], net.ParseIP(ip).To4())
	macBytes, _ := net.ParseMAC(mac)
	copy(key[4:], macBytes)
	return key
}

func (k AddressKey) ToIpMac() (string, string) {
	ip := net.IP(k.IpBytes()).String()
	mac := net.HardwareAddr(k.MacBytes()).String()
	return ip, mac
}

func (k AddressKey) IpBytes() []byte {
	return k[:4]
}

func (k AddressKey) MacBytes() []byte {
	return k[4:]
}
