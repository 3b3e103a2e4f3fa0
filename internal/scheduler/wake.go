package scheduler

// Wake is the nudge channel between enqueuers and the scheduler loop. Any
// number of Notify calls before the next poll collapse into a single wakeup,
// and Notify never blocks, so it is safe to call from HTTP handlers and from
// task handlers enqueuing follow-up work.
type Wake struct {
	ch chan struct{}
}

// NewWake creates an armed wake signal.
func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Notify requests an immediate poll. Non-blocking.
func (w *Wake) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel the scheduler loop selects on.
func (w *Wake) C() <-chan struct{} {
	return w.ch
}
