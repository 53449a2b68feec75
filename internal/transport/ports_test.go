package transport

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"go.bug.st/serial/enumerator"
)

func fakePorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	orig := listDetailedPorts
	listDetailedPorts = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { listDetailedPorts = orig })
}

var samplePorts = []*enumerator.PortDetails{
	{Name: "/dev/ttyS0"},
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", Product: "FT232R USB UART"},
	{Name: "/dev/ttyACM0", IsUSB: true, VID: "2E8A", PID: "0005", Product: "Board in FS mode"},
	{Name: "/dev/ttyUSB1", IsUSB: true, VID: "10C4", PID: "EA60", Product: "CP2102 USB to UART Bridge Controller"},
}

func TestListPortsPreferredFirst(t *testing.T) {
	fakePorts(t, samplePorts, nil)

	ports, err := ListPorts([]string{"2e8a", "CP2102"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(ports))

	var names []string
	for _, p := range ports {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyUSB0"}, names)
	assert.Equal(t, true, ports[0].Preferred)
	assert.Equal(t, true, ports[1].Preferred)
	assert.Equal(t, false, ports[2].Preferred)
	assert.Equal(t, "FT232R USB UART", ports[3].Product)
}

func TestAutoSelectPort(t *testing.T) {
	fakePorts(t, samplePorts, nil)

	name, err := AutoSelectPort([]string{"cp2102"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "/dev/ttyUSB1", name)

	name, err = AutoSelectPort([]string{"espressif"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "", name)
}

func TestListPortsError(t *testing.T) {
	fakePorts(t, nil, errors.New("enumeration failed"))

	_, err := ListPorts(nil)
	assert.NotEqual(t, nil, err)
	_, err = AutoSelectPort(nil)
	assert.NotEqual(t, nil, err)
}

func TestMatchesManufacturerIgnoresNonUSB(t *testing.T) {
	p := PortInfo{Name: "/dev/ttyS0", Product: "cp2102"}
	assert.Equal(t, false, matchesManufacturer(p, []string{"cp2102"}))
	p.IsUSB = true
	assert.Equal(t, true, matchesManufacturer(p, []string{"  ", "CP2102"}))
}
