package collab

import (
	"sync"
	"time"
)

// Backgrounding implements the phased subscription model described in
// SPEC_FULL.md §9 (grounded on ortc/services/IBackgrounding.h), supplementing
// spec §5's simpler "goingToBackground(notifier)" description with the
// multi-phase acknowledgement protocol the original source actually uses.
// Subscribers register at a phase index (spec §6's "ICE session
// backgrounding phase" / "TCP messaging backgrounding phase" options); going
// to the background walks phases in order, waiting (up to a per-phase
// timeout) for every Notifier at that phase to be released before moving to
// the next phase.
type Backgrounding struct {
	mu     sync.Mutex
	phases map[int][]*subscriber
}

type subscriber struct {
	ch chan *Notifier
}

// Notifier is held by a subscriber while it finishes background-transition
// work; releasing it (calling Done) allows Backgrounding to proceed to the
// next phase.
type Notifier struct {
	once sync.Once
	done chan struct{}
}

func newNotifier() *Notifier {
	return &Notifier{done: make(chan struct{})}
}

// Done releases the notifier. Idempotent.
func (n *Notifier) Done() {
	n.once.Do(func() { close(n.done) })
}

// NewBackgrounding constructs an empty phase registry.
func NewBackgrounding() *Backgrounding {
	return &Backgrounding{phases: make(map[int][]*subscriber)}
}

// Subscribe registers for notification at the given phase index. The
// returned channel receives at most one *Notifier per GoingToBackground
// call (none if the previous one is still unread, in which case that
// call treats the subscriber as done); the subscriber must call
// Notifier.Done() once its transition work is complete.
func (b *Backgrounding) Subscribe(phase int) <-chan *Notifier {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscriber{ch: make(chan *Notifier, 1)}
	b.phases[phase] = append(b.phases[phase], s)
	return s.ch
}

// GoingToBackground walks phases in ascending order, delivering a Notifier
// to every subscriber of a phase and waiting (up to perPhaseTimeout) for all
// of them to call Done before moving to the next phase.
func (b *Backgrounding) GoingToBackground(perPhaseTimeout time.Duration) {
	b.mu.Lock()
	phases := make([]int, 0, len(b.phases))
	for p := range b.phases {
		phases = append(phases, p)
	}
	b.mu.Unlock()

	sortInts(phases)

	for _, p := range phases {
		b.mu.Lock()
		subs := append([]*subscriber(nil), b.phases[p]...)
		b.mu.Unlock()

		notifiers := make([]*Notifier, len(subs))
		for i, s := range subs {
			n := newNotifier()
			notifiers[i] = n
			select {
			case s.ch <- n:
			default:
				// Subscriber isn't listening; treat as already done.
				n.Done()
			}
		}

		deadline := time.After(perPhaseTimeout)
		for _, n := range notifiers {
			select {
			case <-n.done:
			case <-deadline:
			}
		}
	}
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}
