package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRecentDevicesOrder(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	assert.Equal(t, []string{}, RecentDevices())
	if err := AddDevice("/dev/ttyUSB0", "serial"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	AddDevice("ws://192.168.4.1:8266", "webrepl")
	time.Sleep(2 * time.Millisecond)
	AddDevice("/dev/ttyUSB0", "serial")

	assert.Equal(t, []string{"/dev/ttyUSB0", "ws://192.168.4.1:8266"}, RecentDevices())
	assert.Equal(t, []string{"ws://192.168.4.1:8266"}, SearchDevices("192.168"))

	RemoveDevice("/dev/ttyUSB0")
	assert.Equal(t, []string{"ws://192.168.4.1:8266"}, RecentDevices())
}

func TestHistoryIsBounded(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for i := 0; i < MaxEntries+5; i++ {
		AddDevice(fmt.Sprintf("10.0.0.%d", i), "socket")
	}
	h, err := LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, MaxEntries, len(h.Entries))
}
