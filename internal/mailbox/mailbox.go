// Package mailbox holds the most recent detection result.
//
// The mailbox is a single slot with last-write-wins semantics: every completed
// detection overwrites the previous one, nothing is queued and no history is
// kept. One writer (the pipeline loop) stores; any number of pull consumers
// read whenever their own cadence asks for it.
package mailbox

import (
	"sync"
	"time"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// Origin identifies the detector handle that produced a result.
type Origin struct {
	HandleID   string
	Generation uint64
}

// Entry is a stored result with its delivery metadata.
type Entry struct {
	Result *types.DetectionResult
	// Seq increases by one on every Store, starting at 1
	Seq         uint64
	Origin      Origin
	CompletedAt time.Time
}

// Stats is a snapshot of mailbox activity.
type Stats struct {
	Writes uint64
	// Overwrites counts stores that replaced a result no reader had seen
	Overwrites uint64
	Reads      uint64
	Clears     uint64
	Seq        uint64
	HasResult  bool
}

// Mailbox is the single-slot result store.
type Mailbox struct {
	mu     sync.RWMutex
	entry  Entry
	filled bool
	read   bool

	writes     uint64
	overwrites uint64
	reads      uint64
	clears     uint64

	now func() time.Time
}

// New creates an empty mailbox.
func New() *Mailbox {
	return &Mailbox{now: time.Now}
}

// Store replaces the current result and returns the new sequence number.
// A nil result is stored as an empty result so readers can tell "detector ran,
// found nothing" apart from "no result yet".
func (m *Mailbox) Store(result *types.DetectionResult, origin Origin) uint64 {
	if result == nil {
		result = &types.DetectionResult{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled && !m.read {
		m.overwrites++
	}
	m.writes++
	m.entry = Entry{
		Result:      result,
		Seq:         m.entry.Seq + 1,
		Origin:      origin,
		CompletedAt: m.now(),
	}
	m.filled = true
	m.read = false
	return m.entry.Seq
}

// Latest returns the current entry. ok is false until the first Store and
// after Clear. Never blocks on detection.
func (m *Mailbox) Latest() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.filled {
		return Entry{}, false
	}
	m.reads++
	m.read = true
	return m.entry, true
}

// LatestAfter returns the current entry only if it is newer than seq.
// Pull consumers pass the last sequence they handled to skip repeats.
func (m *Mailbox) LatestAfter(seq uint64) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.filled || m.entry.Seq <= seq {
		return Entry{}, false
	}
	m.reads++
	m.read = true
	return m.entry, true
}

// Result returns the current result, or nil when there is none yet.
func (m *Mailbox) Result() *types.DetectionResult {
	e, ok := m.Latest()
	if !ok {
		return nil
	}
	return e.Result
}

// Clear empties the slot. The sequence keeps counting so a consumer holding an
// older sequence never mistakes a later result for one it already saw.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry = Entry{Seq: m.entry.Seq}
	m.filled = false
	m.read = false
	m.clears++
}

// Stats returns counters.
func (m *Mailbox) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Writes:     m.writes,
		Overwrites: m.overwrites,
		Reads:      m.reads,
		Clears:     m.clears,
		Seq:        m.entry.Seq,
		HasResult:  m.filled,
	}
}
