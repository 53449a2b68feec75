// Package history remembers the devices this machine connected to, most
// recent first, so init and connect can offer them again.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const HistoryDir = ".board-sync"
const HistoryFile = "devices.json"

// MaxEntries bounds the list; the least recently used device falls off.
const MaxEntries = 20

type Entry struct {
	Address    string    `json:"address"`
	Transport  string    `json:"transport,omitempty"`
	LastAccess time.Time `json:"last_access"`
}

type History struct {
	Entries []Entry `json:"entries"`
}

func GetHistoryDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, HistoryDir)
}

func GetHistoryPath() string {
	return filepath.Join(GetHistoryDir(), HistoryFile)
}

func LoadHistory() (*History, error) {
	data, err := os.ReadFile(GetHistoryPath())
	if os.IsNotExist(err) {
		return &History{Entries: []Entry{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func SaveHistory(h *History) error {
	if err := os.MkdirAll(GetHistoryDir(), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(GetHistoryPath(), data, 0644)
}

// AddDevice records a successful connection to address.
func AddDevice(address, transport string) error {
	h, err := LoadHistory()
	if err != nil {
		return err
	}
	now := time.Now()
	found := false
	for i, e := range h.Entries {
		if e.Address == address {
			h.Entries[i].LastAccess = now
			h.Entries[i].Transport = transport
			found = true
			break
		}
	}
	if !found {
		h.Entries = append(h.Entries, Entry{Address: address, Transport: transport, LastAccess: now})
	}
	sortRecent(h.Entries)
	if len(h.Entries) > MaxEntries {
		h.Entries = h.Entries[:MaxEntries]
	}
	return SaveHistory(h)
}

func RemoveDevice(address string) error {
	h, err := LoadHistory()
	if err != nil {
		return err
	}
	for i, e := range h.Entries {
		if e.Address == address {
			h.Entries = append(h.Entries[:i], h.Entries[i+1:]...)
			break
		}
	}
	return SaveHistory(h)
}

// SearchDevices returns the addresses containing query, ignoring case.
func SearchDevices(query string) []string {
	h, err := LoadHistory()
	if err != nil {
		return []string{}
	}
	var results []string
	for _, e := range h.Entries {
		if strings.Contains(strings.ToLower(e.Address), strings.ToLower(query)) {
			results = append(results, e.Address)
		}
	}
	sort.Strings(results)
	return results
}

// RecentDevices returns every remembered address, most recent first.
func RecentDevices() []string {
	h, err := LoadHistory()
	if err != nil || len(h.Entries) == 0 {
		return []string{}
	}
	sortRecent(h.Entries)
	result := make([]string, 0, len(h.Entries))
	for _, e := range h.Entries {
		result = append(result, e.Address)
	}
	return result
}

func sortRecent(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastAccess.After(entries[j].LastAccess)
	})
}
