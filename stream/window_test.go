package stream

import "testing"

func TestWindowAddAndContains(t *testing.T) {
	w := newSeenWindow(3)

	w.Add("a")
	w.Add("b")
	if !w.Contains("a") || !w.Contains("b") {
		t.Fatal("added ids should be present")
	}
	if w.Contains("c") {
		t.Fatal("unseen id reported as present")
	}
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	w := newSeenWindow(3)

	for _, id := range []string{"a", "b", "c", "d"} {
		w.Add(id)
	}
	if w.Contains("a") {
		t.Fatal("oldest id should have been evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !w.Contains(id) {
			t.Fatalf("id %q evicted too early", id)
		}
	}
	if w.Len() != 3 {
		t.Fatalf("window exceeded capacity: %d", w.Len())
	}
}

func TestWindowReAddDoesNotRefreshPosition(t *testing.T) {
	w := newSeenWindow(2)

	w.Add("a")
	w.Add("b")
	w.Add("a") // no-op, "a" keeps its original slot
	w.Add("c") // evicts "a", not "b"

	if w.Contains("a") {
		t.Fatal("re-adding must not extend an id's lifetime")
	}
	if !w.Contains("b") || !w.Contains("c") {
		t.Fatal("unexpected eviction order")
	}
}

func TestWindowIgnoresEmptyID(t *testing.T) {
	w := newSeenWindow(2)
	w.Add("")
	if w.Len() != 0 {
		t.Fatal("empty ids must not occupy window slots")
	}
}
