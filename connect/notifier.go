package connect

import "sync"

// NetworkChangeNotifier fans network change events out to subscribers.
// Each subscription fires at most once.
type NetworkChangeNotifier struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan struct{}
}

func NewNetworkChangeNotifier() *NetworkChangeNotifier {
	return &NetworkChangeNotifier{subs: make(map[uint64]chan struct{})}
}

// Subscribe returns a channel closed on the next network change, and a
// function releasing the subscription.
func (n *NetworkChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan struct{})
	n.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// NetworkChanged notifies and drops all current subscribers.
func (n *NetworkChangeNotifier) NetworkChanged() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[uint64]chan struct{})
	n.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
