package transport

import (
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port found on this machine.
type PortInfo struct {
	Name      string
	Product   string
	VID       string
	PID       string
	Serial    string
	IsUSB     bool
	Preferred bool // product or vendor id matched the auto-connect list
}

// listDetailedPorts is swapped in tests.
var listDetailedPorts = enumerator.GetDetailedPortsList

// ListPorts returns the serial ports on this machine, preferred ports first.
// A port is preferred when its product string or USB vendor id contains one
// of the manufacturers entries (case-insensitive).
func ListPorts(manufacturers []string) ([]PortInfo, error) {
	details, err := listDetailedPorts()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		p := PortInfo{
			Name:    d.Name,
			Product: d.Product,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			IsUSB:   d.IsUSB,
		}
		p.Preferred = matchesManufacturer(p, manufacturers)
		ports = append(ports, p)
	}
	sort.SliceStable(ports, func(i, j int) bool {
		return ports[i].Preferred && !ports[j].Preferred
	})
	return ports, nil
}

// AutoSelectPort returns the first preferred port, or "" when none matched.
func AutoSelectPort(manufacturers []string) (string, error) {
	ports, err := ListPorts(manufacturers)
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.Preferred {
			return p.Name, nil
		}
	}
	return "", nil
}

func matchesManufacturer(p PortInfo, manufacturers []string) bool {
	if !p.IsUSB {
		return false
	}
	product := strings.ToLower(p.Product)
	vid := strings.ToLower(p.VID)
	for _, m := range manufacturers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if strings.Contains(product, m) || vid == m {
			return true
		}
	}
	return false
}
