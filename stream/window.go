package stream

// seenWindow is a fixed-capacity set of record ids with FIFO eviction. It
// suppresses re-delivery of records that remain inside the store's recency
// window across polls. Eviction is by insertion order, never by timestamp:
// telemetry timestamps are not trustworthy enough to expire on.
type seenWindow struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newSeenWindow(capacity int) *seenWindow {
	if capacity <= 0 {
		capacity = defaultWindowSize
	}
	return &seenWindow{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

func (w *seenWindow) Contains(id string) bool {
	_, ok := w.members[id]
	return ok
}

// Add inserts an id, evicting the oldest entry when the window is full.
// Re-adding a present id is a no-op and does not refresh its position.
func (w *seenWindow) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := w.members[id]; ok {
		return
	}
	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.members, oldest)
	}
	w.order = append(w.order, id)
	w.members[id] = struct{}{}
}

func (w *seenWindow) Len() int {
	return len(w.order)
}
