package esp

import "testing"

// chunk builds an AlertChunk with the header nibbles and a recognizable
// frequency so tests can tell entries apart.
func chunk(index, count uint8, freqMHz uint16) AlertChunk {
	c := AlertChunk{Index: index, Count: count}
	c.Body[0] = index<<4 | count&0x0F
	c.Body[1] = byte(freqMHz >> 8)
	c.Body[2] = byte(freqMHz)
	c.Body[5] = bitKa | bitFront
	return c
}

func TestReassemblerCompletesInOrder(t *testing.T) {
	r := NewReassembler()

	for i := uint8(0); i < 3; i++ {
		if entries, done := r.Feed(chunk(i, 4, 34700+uint16(i))); done {
			t.Fatalf("chunk %d: completed early with %d entries", i, len(entries))
		}
	}
	entries, done := r.Feed(chunk(3, 4, 34703))
	if !done {
		t.Fatal("fourth chunk did not complete the transmission")
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	for i, e := range entries {
		if e.FrequencyMHz != uint32(34700+i) {
			t.Errorf("entry %d frequency = %d, want %d (arrival order)", i, e.FrequencyMHz, 34700+i)
		}
		if e.Band != BandKa || e.Direction != DirFront {
			t.Errorf("entry %d decoded band/direction = %v/%#x", i, e.Band, e.Direction)
		}
	}
	if r.Pending() != 0 {
		t.Errorf("buffer not cleared after completion: %d pending", r.Pending())
	}
}

func TestReassemblerCountMismatchRestarts(t *testing.T) {
	r := NewReassembler()

	r.Feed(chunk(0, 4, 34700))
	// A chunk declaring a different count invalidates the first and starts a
	// fresh episode; entries from the two expectations must never mix.
	if _, done := r.Feed(chunk(1, 3, 24150)); done {
		t.Fatal("restart chunk must not complete a transmission")
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d after restart, want 1", r.Pending())
	}

	r.Feed(chunk(0, 3, 24151))
	entries, done := r.Feed(chunk(2, 3, 24152))
	if !done || len(entries) != 3 {
		t.Fatalf("completion = (%d entries, %v), want (3, true)", len(entries), done)
	}
	for _, e := range entries {
		if e.FrequencyMHz > 30000 {
			t.Errorf("stale entry %d MHz leaked across the restart", e.FrequencyMHz)
		}
	}
}

func TestReassemblerClearSignal(t *testing.T) {
	r := NewReassembler()
	r.Feed(chunk(0, 2, 34700))

	entries, done := r.Feed(chunk(0, 0, 0))
	if !done {
		t.Fatal("count 0 must complete immediately")
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want empty cleared list", len(entries))
	}
	if r.Pending() != 0 {
		t.Error("buffer not reset by cleared signal")
	}
}

func TestReassemblerOverflowGuard(t *testing.T) {
	r := NewReassembler()
	// Counts beyond the hardware table and out-of-range indexes are dropped
	// without buffering.
	if _, done := r.Feed(chunk(0, 13, 34700)); done {
		t.Fatal("over-capacity count must not complete")
	}
	if r.Pending() != 0 {
		t.Error("over-capacity chunk was buffered")
	}
	if _, done := r.Feed(chunk(5, 4, 34700)); done {
		t.Fatal("index >= count must not complete")
	}
	if r.Pending() != 0 {
		t.Error("out-of-range index was buffered")
	}
}

func TestReassemblerDuplicateChunkIgnored(t *testing.T) {
	r := NewReassembler()
	r.Feed(chunk(0, 2, 34700))
	r.Feed(chunk(0, 2, 34700))
	if r.Pending() != 1 {
		t.Fatalf("pending = %d after duplicate, want 1", r.Pending())
	}
	entries, done := r.Feed(chunk(1, 2, 34701))
	if !done || len(entries) != 2 {
		t.Fatalf("completion = (%d, %v), want (2, true)", len(entries), done)
	}
}

func TestDecodeAlertChunkPriority(t *testing.T) {
	payload := []byte{0x14, 0x87, 0x8C, 0x00, 0xC8, bitKa | bitFront, 0x80}
	f := &Frame{ID: PktRespAlertData, Payload: payload}

	c, err := DecodeAlertChunk(f)
	if err != nil {
		t.Fatalf("DecodeAlertChunk() error = %v", err)
	}
	if c.Index != 1 || c.Count != 4 {
		t.Fatalf("header = (%d, %d), want (1, 4)", c.Index, c.Count)
	}

	e := decodeEntry(c.Body)
	if !e.IsPriority {
		t.Error("IsPriority = false, want true (aux bit 7 set)")
	}
	if e.FrequencyMHz != 0x878C {
		t.Errorf("frequency = %d, want %d", e.FrequencyMHz, 0x878C)
	}
	if e.FrontStrength == 0 || e.RearStrength != 0 {
		t.Errorf("strengths = (%d, %d), want front lit and rear empty", e.FrontStrength, e.RearStrength)
	}
}
