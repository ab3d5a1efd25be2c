package reflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// JournalEntry records one keyed execution: either the stored result or
// an error sentinel. The wire shape is `{ "isError": true, "error": ... }`
// for failures and the raw value otherwise, for cross-implementation
// replay compatibility.
type JournalEntry struct {
	IsError bool
	Err     error
	Value   any
}

func (e *JournalEntry) MarshalJSON() ([]byte, error) {
	if e.IsError {
		return json.Marshal(map[string]any{
			"isError": true,
			"error":   e.Err.Error(),
		})
	}
	return json.Marshal(e.Value)
}

// Journal is the ordered, write-once record of keyed executions within
// one context generation. Replay is a pure lookup, never a re-invocation.
type Journal struct {
	mu      sync.Mutex
	entries map[string]*JournalEntry
	order   []string
}

func newJournal() *Journal {
	return &Journal{entries: make(map[string]*JournalEntry)}
}

// journalKey derives the storage key: "<callerName>:<depth>:<userKey>".
func journalKey(name string, depth int, userKey string) string {
	return fmt.Sprintf("%s:%d:%s", name, depth, userKey)
}

func (j *Journal) lookup(key string) (*JournalEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[key]
	return e, ok
}

// record writes an entry unless the key already exists. Entries are
// write-once per key per context generation.
func (j *Journal) record(key string, value any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[key]; ok {
		return
	}
	entry := &JournalEntry{Value: value}
	if err != nil {
		entry = &JournalEntry{IsError: true, Err: err}
	}
	j.entries[key] = entry
	j.order = append(j.order, key)
}

// Keys returns the journal keys in write order.
func (j *Journal) Keys() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.order))
	copy(out, j.order)
	return out
}

// Get returns the entry stored under a derived key.
func (j *Journal) Get(key string) (*JournalEntry, bool) {
	return j.lookup(key)
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
