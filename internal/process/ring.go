package process

import "sync"

// defaultRingSize is how many recent output lines each process keeps
// for log streaming.
const defaultRingSize = 500

// Ring is a bounded buffer of process output lines with fan-out to
// live subscribers. Writers never block: a subscriber that falls
// behind loses lines instead of stalling the output reader.
type Ring struct {
	mu    sync.Mutex
	lines []string
	max   int
	subs  map[chan string]struct{}
}

func NewRing(max int) *Ring {
	if max <= 0 {
		max = defaultRingSize
	}
	return &Ring{
		max:  max,
		subs: make(map[chan string]struct{}),
	}
}

// Append adds a line to the buffer and fans it out to subscribers.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
	for ch := range r.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Snapshot returns a copy of the buffered lines.
func (r *Ring) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Subscribe registers a channel that receives every line appended after
// the call. The caller must Unsubscribe when done.
func (r *Ring) Subscribe() chan string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan string, 64)
	r.subs[ch] = struct{}{}
	return ch
}

func (r *Ring) Unsubscribe(ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}
