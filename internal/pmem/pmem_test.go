package pmem

import "testing"

func TestReadWriteU64RoundTrip(t *testing.T) {
	m := New(4096, HugePagesOff)
	if err := m.WriteU64(8, 0xdeadbeefcafebabe); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}
	got, err := m.ReadU64(8)
	if err != nil {
		t.Fatalf("ReadU64: %v", err)
	}
	if got != 0xdeadbeefcafebabe {
		t.Fatalf("ReadU64 = %#x, want 0xdeadbeefcafebabe", got)
	}
}

func TestOutOfBoundsAccessReturnsBoundsError(t *testing.T) {
	m := New(16, HugePagesOff)
	if _, err := m.ReadU64(12); err == nil {
		t.Fatal("ReadU64 past the end of a 16-byte region should fail")
	}
	if _, err := m.ReadU8(16); err == nil {
		t.Fatal("ReadU8 exactly at the size boundary should fail")
	}
}

func TestOffsetOverflowIsRejected(t *testing.T) {
	m := New(16, HugePagesOff)
	// offset+size wraps around uint64: must still be rejected, not
	// accidentally pass the bounds check via overflow.
	if _, err := m.ReadU8(^uint64(0)); err == nil {
		t.Fatal("a wraparound offset must be rejected")
	}
}

func TestNewFromImageCopiesContent(t *testing.T) {
	image := []byte{1, 2, 3, 4}
	m := NewFromImage(image, HugePagesOff)
	if m.Size() < 4 {
		t.Fatalf("Size() = %d, want at least 4", m.Size())
	}
	var dst [4]byte
	if err := m.ReadBytes(0, dst[:]); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if dst != [4]byte{1, 2, 3, 4} {
		t.Fatalf("ReadBytes = %v, want [1 2 3 4]", dst)
	}
}

func TestResizeAlwaysFails(t *testing.T) {
	m := New(16, HugePagesOff)
	if err := m.Resize(32); err == nil {
		t.Fatal("Resize must always fail for fixed-size physical memory")
	}
}
