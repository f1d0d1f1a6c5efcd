package netdisco

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joeycumines/go-quakenet/netlink"
)

// HostCacheSize bounds the number of discovered servers retained.
const HostCacheSize = 8

// HostCacheEntry describes one discovered server.
type HostCacheEntry struct {
	Name      string
	Map       string
	GameDir   string
	CName     string // canonical address string; the dedupe key
	Users     int
	MaxUsers  int
	Driver    int
	LanDriver int
	Addr      netlink.Addr
}

// HostCache is the bounded, memory-only table of discovered servers.
// Entries are de-duplicated by canonical address; name collisions are
// resolved with a trailing-digit suffix.
type HostCache struct {
	entries []HostCacheEntry
}

// Len returns the number of cached servers.
func (hc *HostCache) Len() int { return len(hc.entries) }

// Full reports whether the cache has reached its bound.
func (hc *HostCache) Full() bool { return len(hc.entries) >= HostCacheSize }

// At returns entry i.
func (hc *HostCache) At(i int) *HostCacheEntry { return &hc.entries[i] }

// Clear discards all entries.
func (hc *HostCache) Clear() { hc.entries = hc.entries[:0] }

// Sort orders entries by name.
func (hc *HostCache) Sort() {
	sort.SliceStable(hc.entries, func(i, j int) bool {
		return hc.entries[i].Name < hc.entries[j].Name
	})
}

// FindByName returns the entry whose display name matches, or nil.
func (hc *HostCache) FindByName(name string) *HostCacheEntry {
	for i := range hc.entries {
		if strings.EqualFold(hc.entries[i].Name, name) {
			return &hc.entries[i]
		}
	}
	return nil
}

// begin locates or creates the entry for addr. It returns nil when the
// server is already fully recorded or the cache is full; otherwise the
// caller fills the entry and must call finish.
func (hc *HostCache) begin(addr netlink.Addr) *HostCacheEntry {
	for i := range hc.entries {
		if addr.Compare(hc.entries[i].Addr) == 0 {
			if hc.entries[i].CName != "" {
				return nil
			}
			return &hc.entries[i]
		}
	}
	if hc.Full() {
		return nil
	}
	hc.entries = append(hc.entries, HostCacheEntry{})
	return &hc.entries[len(hc.entries)-1]
}

// finish applies name-conflict resolution to the just-filled entry: an
// entry with a duplicate canonical address is discarded, and a display
// name colliding with another entry has its trailing digit incremented
// (or '0' appended once past '9').
func (hc *HostCache) finish(e *HostCacheEntry) {
	idx := -1
	for i := range hc.entries {
		if &hc.entries[i] == e {
			idx = i
			break
		}
	}

	for i := 0; i < len(hc.entries); i++ {
		if i == idx {
			continue
		}
		if strings.EqualFold(e.CName, hc.entries[i].CName) {
			// Same server reached twice; drop the newcomer.
			hc.entries = append(hc.entries[:idx], hc.entries[idx+1:]...)
			return
		}
		if strings.EqualFold(e.Name, hc.entries[i].Name) {
			n := len(e.Name)
			if n < 15 && e.Name[n-1] > '8' {
				e.Name += "0"
			} else {
				b := []byte(e.Name)
				b[n-1]++
				e.Name = string(b)
			}
			i = -1 // rescan with the new name
		}
	}
}

// String formats one entry the way the slist console output does.
func (e *HostCacheEntry) String() string {
	if e.MaxUsers != 0 {
		return fmt.Sprintf("%-15.15s %-15.15s %2d/%2d", e.Name, e.Map, e.Users, e.MaxUsers)
	}
	return fmt.Sprintf("%-15.15s %-15.15s", e.Name, e.Map)
}
