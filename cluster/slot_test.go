package cluster

import "testing"

func TestHashSlotKnownValues(t *testing.T) {
	cases := []struct {
		key  string
		slot int
	}{
		{"user:1000", 1649},
		{"{}plain", 8054},
	}
	for _, c := range cases {
		if got := HashSlot([]byte(c.key)); got != c.slot {
			t.Errorf("HashSlot(%q) = %d, want %d", c.key, got, c.slot)
		}
	}
}

func TestHashSlotTagEquivalence(t *testing.T) {
	a := HashSlot([]byte("{user1000}.following"))
	b := HashSlot([]byte("{user1000}.followers"))
	c := HashSlot([]byte("user1000"))
	if a != b || b != c {
		t.Errorf("hash-tagged keys must share a slot: %d %d %d", a, b, c)
	}
	if a != 3443 {
		t.Errorf("HashSlot(tagged) = %d, want 3443", a)
	}
}

func TestHashSlotEmptyTagFallsBack(t *testing.T) {
	a := HashSlot([]byte("{}plain"))
	b := int(crc16([]byte("{}plain")) % SlotCount)
	if a != b {
		t.Fatalf("HashSlot with empty tag = %d, want whole-key slot %d", a, b)
	}
}

func TestHashSlotNoClosingBrace(t *testing.T) {
	// No closing '}': whole key hashed, must not panic and must be stable.
	a := HashSlot([]byte("{unterminated"))
	b := HashSlot([]byte("{unterminated"))
	if a != b {
		t.Fatal("HashSlot must be deterministic for malformed tags")
	}
}

func TestKeysCrossSlot(t *testing.T) {
	if KeysCrossSlot([][]byte{[]byte("a")}) {
		t.Error("single key can never cross slots")
	}
	if !KeysCrossSlot([][]byte{[]byte("a"), []byte("b"), []byte("c")}) {
		t.Error("expected a/b/c to span multiple slots")
	}
	same := [][]byte{[]byte("{tag}a"), []byte("{tag}b")}
	if KeysCrossSlot(same) {
		t.Error("hash-tagged keys must not cross slots")
	}
}
