package dedup

import "testing"

func TestCheckAndInsert_DetectsDuplicate(t *testing.T) {
	w := New(10)
	key := Key("11111@s.whatsapp.net", "dup-1")

	if w.CheckAndInsert(key) {
		t.Fatal("expected first insert to report not-already-seen")
	}
	if !w.CheckAndInsert(key) {
		t.Fatal("expected second insert to report already-seen")
	}
	if w.Len() != 1 {
		t.Fatalf("expected len 1, got %d", w.Len())
	}
}

func TestCheckAndInsert_FIFOEviction(t *testing.T) {
	w := New(3)
	for i := 0; i < 3; i++ {
		w.CheckAndInsert(Key("jid", string(rune('a'+i))))
	}
	if w.Len() != 3 {
		t.Fatalf("expected len 3, got %d", w.Len())
	}

	// Inserting a fourth key evicts the oldest ("a").
	w.CheckAndInsert(Key("jid", "d"))
	if w.Len() != 3 {
		t.Fatalf("expected len capped at 3, got %d", w.Len())
	}
	if w.CheckAndInsert(Key("jid", "a")) {
		t.Fatal("expected evicted key 'a' to be treated as unseen again")
	}
}

func TestNew_NonPositiveCapacityFallsBackToDefault(t *testing.T) {
	w := New(0)
	if w.capacity != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, w.capacity)
	}
	w2 := New(-5)
	if w2.capacity != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, w2.capacity)
	}
}

func TestReset_ClearsAllKeys(t *testing.T) {
	w := New(10)
	w.CheckAndInsert(Key("jid", "a"))
	w.CheckAndInsert(Key("jid", "b"))
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("expected len 0 after reset, got %d", w.Len())
	}
	if w.CheckAndInsert(Key("jid", "a")) {
		t.Fatal("expected key to be unseen after reset")
	}
}

func TestKey_Format(t *testing.T) {
	if got := Key("11111@s.whatsapp.net", "abc"); got != "11111@s.whatsapp.net:abc" {
		t.Fatalf("unexpected key format: %q", got)
	}
}
