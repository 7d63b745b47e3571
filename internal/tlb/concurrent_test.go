package tlb

import "testing"

func TestConcurrentInsertLookupRoundTrip(t *testing.T) {
	c := NewConcurrent(4)
	c.Insert(Entry{VPN: 10, ASID: 1, PPN: 20, Flags: 0x7})

	e, ok := c.Lookup(10, 1)
	if !ok {
		t.Fatal("lookup miss after insert")
	}
	if e.PPN != 20 {
		t.Fatalf("PPN = %d, want 20", e.PPN)
	}
	if got := c.Stats(); got.Hits != 1 || got.Insertions != 1 {
		t.Fatalf("stats = %+v, want 1 hit and 1 insertion", got)
	}
}

func TestConcurrentFastPathServesWithoutShardAfterPopulate(t *testing.T) {
	c := NewConcurrent(4)
	c.Insert(Entry{VPN: 5, ASID: 2, PPN: 6})

	slot := c.fastSlotFor(5, 2)
	if !slot.valid.Load() {
		t.Fatal("fast path slot not populated by Insert")
	}

	e, ok := c.Lookup(5, 2)
	if !ok || e.PPN != 6 {
		t.Fatalf("Lookup via fast path = %+v, %v", e, ok)
	}
}

func TestConcurrentFlushPageInvalidatesFastPathToo(t *testing.T) {
	c := NewConcurrent(4)
	c.Insert(Entry{VPN: 1, ASID: 1, PPN: 1})

	c.FlushPage(1, 1)

	if _, ok := c.Lookup(1, 1); ok {
		t.Fatal("entry survived FlushPage")
	}
	slot := c.fastSlotFor(1, 1)
	if slot.valid.Load() {
		t.Fatal("fast path slot still valid after FlushPage")
	}
}

func TestConcurrentFlushASIDOnlyClearsMatchingASID(t *testing.T) {
	c := NewConcurrent(4)
	c.Insert(Entry{VPN: 1, ASID: 1, PPN: 1})
	c.Insert(Entry{VPN: 2, ASID: 2, PPN: 2})

	c.FlushASID(1)

	if _, ok := c.Lookup(1, 1); ok {
		t.Fatal("ASID 1 entry survived FlushASID(1)")
	}
	if _, ok := c.Lookup(2, 2); !ok {
		t.Fatal("ASID 2 entry was wrongly flushed")
	}
}

func TestConcurrentFlushAllClearsEveryShardAndFastPath(t *testing.T) {
	c := NewConcurrent(4)
	for i := uint64(0); i < 8; i++ {
		c.Insert(Entry{VPN: i, ASID: 1, PPN: i})
	}

	c.FlushAll()

	for i := uint64(0); i < 8; i++ {
		if _, ok := c.Lookup(i, 1); ok {
			t.Fatalf("vpn %d survived FlushAll", i)
		}
	}
}

func TestNewConcurrentClampsShardCountToAtLeastOne(t *testing.T) {
	c := NewConcurrent(0)
	if len(c.shards) != 1 {
		t.Fatalf("shards = %d, want 1 for a non-positive request", len(c.shards))
	}
}
