package queue

import "time"

// readyItem is one dispatchable entry in the priority structure. Entries are
// removed lazily: an entry is live only while its job is still queued with a
// matching sequence number.
type readyItem struct {
	id         string
	priority   int
	seq        uint64
	enqueuedAt time.Time
}

// readyHeap orders jobs by (priority desc, seq asc). Sequence numbers are
// assigned at enqueue and requeue time, so equal priorities dispatch FIFO.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(*readyItem))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// lagHeap orders queued entries by sequence number so the oldest
// queued-but-not-started job is always at the head. Shares the lazy-removal
// convention with readyHeap, which keeps lag snapshots cheap.
type lagHeap []*readyItem

func (h lagHeap) Len() int           { return len(h) }
func (h lagHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h lagHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *lagHeap) Push(x interface{}) {
	*h = append(*h, x.(*readyItem))
}

func (h *lagHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
