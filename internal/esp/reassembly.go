package esp

// Reassembler collects alert table fragments into complete alert lists.
// The detector streams its table one entry per frame, each tagged with the
// entry's index and the total count for this transmission.
//
// A chunk whose declared count differs from the count currently being
// collected invalidates the buffer and restarts collection with the new
// expectation. This is what keeps a mode change mid-transmission from
// stitching stale and fresh fragments together. Count zero is the terminal
// "alerts cleared" signal.
//
// Reassembler is owned by the link layer and driven only from the
// cooperative tick context; it is not safe for concurrent use.
type Reassembler struct {
	expected uint8
	chunks   [MaxAlertSlots]AlertChunk
	seen     [MaxAlertSlots]bool
	received uint8
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed adds one chunk. It returns (entries, true) exactly when a
// transmission completes — including (empty, true) for the cleared signal —
// and (nil, false) otherwise. Chunks are consumed in arrival order within an
// episode; completion preserves that order and leaves the buffer empty.
func (r *Reassembler) Feed(c AlertChunk) ([]AlertEntry, bool) {
	if c.Count == 0 {
		r.Reset()
		return []AlertEntry{}, true
	}
	if c.Count > MaxAlertSlots || c.Index >= c.Count {
		// Beyond the hardware table, or a nonsense header. Drop without
		// buffering; this path must not allocate.
		return nil, false
	}
	if c.Count != r.expected {
		// Fresh transmission with a different expectation: discard all
		// partial chunks and restart.
		r.Reset()
		r.expected = c.Count
	}
	if !r.seen[c.Index] {
		r.chunks[r.received] = c
		r.seen[c.Index] = true
		r.received++
	}
	if r.received < r.expected {
		return nil, false
	}

	entries := make([]AlertEntry, r.expected)
	for i := uint8(0); i < r.expected; i++ {
		entries[i] = decodeEntry(r.chunks[i].Body)
	}
	r.Reset()
	return entries, true
}

// Reset discards any partial transmission.
func (r *Reassembler) Reset() {
	r.expected = 0
	r.received = 0
	r.seen = [MaxAlertSlots]bool{}
}

// Pending returns how many chunks of the current transmission have arrived.
func (r *Reassembler) Pending() int { return int(r.received) }
