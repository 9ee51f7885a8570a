package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ipastusi/lanmonitor/device"
)

func printDevices(w io.Writer, devices []device.Device) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tIP\tMAC\tNAME\tVENDOR\tHOSTNAME\tFIRST SEEN\tLAST SEEN\tSTATUS\tWATCHED")
	for _, d := range devices {
		watched := ""
		if d.Watched {
			watched = "yes"
		}
		fields := []string{
			fmt.Sprint(d.ID),
			d.IP,
			d.MAC,
			d.DisplayName(),
			vendorColumn(d),
			d.Hostname,
			formatTs(d.FirstSeen),
			formatTs(d.LastSeen),
			deviceStatus(d),
			watched,
		}
		fmt.Fprintln(tw, strings.Join(fields, "\t"))
	}
	return tw.Flush()
}

func vendorColumn(d device.Device) string {
	switch d.VendorStatus {
	case device.VendorResolved:
		return d.Vendor
	case device.VendorUnknown:
		return "(unknown)"
	default:
		return "(pending)"
	}
}

func connectedDevices(devices []device.Device) []device.Device {
	var connected []device.Device
	for _, d := range devices {
		if d.Connected {
			connected = append(connected, d)
		}
	}
	return connected
}
