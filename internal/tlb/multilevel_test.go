package tlb

import "testing"

func TestMultiLevelInsertGoesToL3AndPromotesOnHits(t *testing.T) {
	m := NewMultiLevel(1, 1, 2, 100) // high threshold: l3 hits promote to l2, not straight to l1
	m.Insert(Entry{VPN: 1, ASID: 1, PPN: 9})

	if _, ok := m.l3.entries[Key{VPN: 1, ASID: 1}]; !ok {
		t.Fatal("fresh insert did not land in L3")
	}

	if _, ok := m.Lookup(1, 1); !ok {
		t.Fatal("lookup miss right after insert")
	}
	if _, ok := m.l2.entries[Key{VPN: 1, ASID: 1}]; !ok {
		t.Fatal("first L3 hit did not promote into L2")
	}
	if _, ok := m.l3.entries[Key{VPN: 1, ASID: 1}]; ok {
		t.Fatal("entry still present in L3 after promotion")
	}

	if _, ok := m.Lookup(1, 1); !ok {
		t.Fatal("lookup miss after promotion to L2")
	}
	if _, ok := m.l1.entries[Key{VPN: 1, ASID: 1}]; !ok {
		t.Fatal("L2 hit did not promote into L1")
	}
}

func TestMultiLevelL1EvictionDemotesVictimToL2(t *testing.T) {
	m := NewMultiLevel(1, 1, 3, 1) // threshold 1: a single L3 hit promotes straight to L1
	m.Insert(Entry{VPN: 1, ASID: 1, PPN: 1})
	m.Insert(Entry{VPN: 2, ASID: 1, PPN: 2})

	if _, ok := m.Lookup(1, 1); !ok {
		t.Fatal("lookup miss for vpn 1")
	}
	if _, ok := m.l1.entries[Key{VPN: 1, ASID: 1}]; !ok {
		t.Fatal("vpn 1 did not land in L1 with threshold 1")
	}

	if _, ok := m.Lookup(2, 1); !ok {
		t.Fatal("lookup miss for vpn 2")
	}
	if _, ok := m.l1.entries[Key{VPN: 2, ASID: 1}]; !ok {
		t.Fatal("vpn 2 did not take vpn 1's place in the single L1 slot")
	}
	if _, ok := m.l2.entries[Key{VPN: 1, ASID: 1}]; !ok {
		t.Fatal("evicted vpn 1 was not demoted into L2")
	}
}

func TestMultiLevelFlushPageRemovesFromEveryLevel(t *testing.T) {
	m := NewMultiLevel(2, 2, 2, 1)
	m.Insert(Entry{VPN: 1, ASID: 1, PPN: 1})
	m.Lookup(1, 1) // promote into L1

	m.FlushPage(1, 1)

	if _, ok := m.Lookup(1, 1); ok {
		t.Fatal("entry survived FlushPage across the hierarchy")
	}
}

func TestMultiLevelFlushASIDOnlyClearsMatchingASID(t *testing.T) {
	m := NewMultiLevel(2, 2, 2, 100)
	m.Insert(Entry{VPN: 1, ASID: 1, PPN: 1})
	m.Insert(Entry{VPN: 2, ASID: 2, PPN: 2})

	m.FlushASID(1)

	if _, ok := m.Lookup(1, 1); ok {
		t.Fatal("ASID 1 entry survived FlushASID(1)")
	}
	if _, ok := m.Lookup(2, 2); !ok {
		t.Fatal("ASID 2 entry was wrongly flushed")
	}
}

func TestMultiLevelStatsCountHitsMissesAndPromotions(t *testing.T) {
	m := NewMultiLevel(2, 2, 2, 100)
	m.Insert(Entry{VPN: 1, ASID: 1, PPN: 1})

	m.Lookup(1, 1)   // hit, L3->L2 promotion
	m.Lookup(99, 1)  // miss

	snap := m.Stats()
	if snap.Hits != 1 {
		t.Fatalf("Hits = %d, want 1", snap.Hits)
	}
	if snap.Misses != 1 {
		t.Fatalf("Misses = %d, want 1", snap.Misses)
	}
	if snap.Promotions != 1 {
		t.Fatalf("Promotions = %d, want 1", snap.Promotions)
	}
}
