// Package sdindex maps host-visible file names to printer upload names.
//
// The printer cannot list its storage, so the session keeps the names of
// files it uploaded itself. Lookups are case-insensitive. The index lives
// only as long as the process.
package sdindex

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a name resolves to no entry.
var ErrNotFound = errors.New("file not found")

// Entry is one indexed file.
type Entry struct {
	Display string    `json:"display"`
	Upload  string    `json:"upload"`
	Size    int64     `json:"size"`
	Added   time.Time `json:"added"`
}

// Snapshot is a point-in-time copy of the index.
type Snapshot struct {
	Count int     `json:"count"`
	Items []Entry `json:"items"`
}

// Index is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry // keyed by lower-cased display name
	now     func() time.Time
}

// New creates an empty index.
func New() *Index {
	return &Index{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Put records display -> upload. An existing entry with the same display
// name (in any case) is replaced.
func (x *Index) Put(display, upload string, size int64) Entry {
	display = strings.TrimSpace(display)
	if upload == "" {
		upload = display
	}
	e := Entry{Display: display, Upload: upload, Size: size, Added: x.now()}

	x.mu.Lock()
	x.entries[key(display)] = e
	x.mu.Unlock()
	return e
}

// Resolve finds an entry by display name, falling back to the upload name.
func (x *Index) Resolve(name string) (Entry, error) {
	k := key(name)
	if k == "" {
		return Entry{}, ErrNotFound
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if e, ok := x.entries[k]; ok {
		return e, nil
	}
	for _, e := range x.entries {
		if key(e.Upload) == k {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// FindUpload finds an entry by its upload name only.
func (x *Index) FindUpload(upload string) (Entry, bool) {
	k := key(upload)

	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, e := range x.entries {
		if key(e.Upload) == k {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns all entries sorted by display name.
func (x *Index) List() []Entry {
	x.mu.RLock()
	items := make([]Entry, 0, len(x.entries))
	for _, e := range x.entries {
		items = append(items, e)
	}
	x.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return key(items[i].Display) < key(items[j].Display)
	})
	return items
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Snapshot returns the count and sorted entries.
func (x *Index) Snapshot() Snapshot {
	items := x.List()
	return Snapshot{Count: len(items), Items: items}
}

// Clear removes every entry.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]Entry)
}
