package gateway

import "sync"

// replayEntry is one broadcast envelope kept for gap backfill.
type replayEntry struct {
	Seq  int64
	Data []byte // pre-built envelope JSON
}

// ReplayBuffer keeps the last cap envelopes of one channel, slotted by
// channel sequence (slot = seq % cap). Pushes may arrive slightly out of
// order; an entry is only served for the exact seq it was stored under.
type ReplayBuffer struct {
	mu     sync.RWMutex
	slots  []replayEntry
	newest int64
}

// NewReplayBuffer creates a replay buffer holding capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{slots: make([]replayEntry, capacity)}
}

// Push stores the envelope for seq (>= 1). Sequences that already fell out
// of the window are ignored.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	if seq <= 0 {
		return
	}
	cp := append([]byte(nil), data...)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if seq <= rb.newest-int64(len(rb.slots)) {
		return
	}
	rb.slots[rb.slot(seq)] = replayEntry{Seq: seq, Data: cp}
	if seq > rb.newest {
		rb.newest = seq
	}
}

// Range returns the retained entries with seq in [fromSeq, toSeq], oldest
// first. toSeq <= 0 means up to the newest.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	lo, hi := rb.window()
	if fromSeq > lo {
		lo = fromSeq
	}
	if toSeq > 0 && toSeq < hi {
		hi = toSeq
	}
	var out []replayEntry
	for seq := lo; seq <= hi; seq++ {
		if e := rb.slots[rb.slot(seq)]; e.Seq == seq {
			out = append(out, e)
		}
	}
	return out
}

// OldestSeq returns the seq of the oldest retained entry.
func (rb *ReplayBuffer) OldestSeq() (int64, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	lo, hi := rb.window()
	for seq := lo; seq <= hi; seq++ {
		if rb.slots[rb.slot(seq)].Seq == seq {
			return seq, true
		}
	}
	return 0, false
}

// Len returns the number of retained entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	lo, hi := rb.window()
	n := 0
	for seq := lo; seq <= hi; seq++ {
		if rb.slots[rb.slot(seq)].Seq == seq {
			n++
		}
	}
	return n
}

// window is the seq range the slots can currently hold. Caller holds mu.
func (rb *ReplayBuffer) window() (lo, hi int64) {
	lo = rb.newest - int64(len(rb.slots)) + 1
	if lo < 1 {
		lo = 1
	}
	return lo, rb.newest
}

func (rb *ReplayBuffer) slot(seq int64) int {
	return int(seq % int64(len(rb.slots)))
}
