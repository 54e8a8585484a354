package telemetry

// Slot is a single-slot overwrite channel: a bounded queue of capacity one
// where a new value replaces any unconsumed previous one. Putting never
// blocks. This is the hand-off point between the breakpoint-hit side and the
// device-command side: intensity is a current-state signal, so coalescing
// under backpressure is correct and keeps the queue bounded.
type Slot[T any] struct {
	ch chan T
}

// NewSlot creates an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Put stores v, replacing any value not yet consumed.
func (s *Slot[T]) Put(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		// Full: evict the stale value and try again. Another Put may win the
		// race, in which case the slot still ends up holding a newest value.
		select {
		case <-s.ch:
		default:
		}
	}
}

// C receives the latest value.
func (s *Slot[T]) C() <-chan T {
	return s.ch
}
