package store

import "sync"

// Scope identifies which table a change notification refers to.
type Scope string

const (
	ScopeQueue Scope = "queue"
	ScopeCache Scope = "cache"
)

// Change is a store mutation notification. TargetID may be empty when the
// mutation spans targets (bulk eviction, clear).
type Change struct {
	Scope    Scope
	TargetID string
}

// Notifier fans store change notifications out to subscribers. Publishing
// never blocks: each subscriber channel holds one pending notification and
// further publishes coalesce into it, which is sufficient because
// subscribers re-run their full query per notification.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Change)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function that deregisters and closes it.
func (n *Notifier) Subscribe() (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Change, 1)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers a change to every subscriber without blocking. When a
// subscriber already has a pending notification, the two are merged by
// widening the fields they disagree on, so a filtering subscriber can never
// miss a mutation it cares about.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
			merged := c
			select {
			case pending := <-ch:
				merged = mergeChanges(pending, c)
			default:
				// Subscriber consumed the pending change in the meantime.
			}
			// The slot is empty here and publishers are serialized by the
			// mutex, so this send cannot block.
			ch <- merged
		}
	}
}

// mergeChanges coalesces two changes into one. A field the changes disagree
// on becomes empty, which subscribers treat as "any".
func mergeChanges(a, b Change) Change {
	merged := b
	if a.Scope != b.Scope {
		merged.Scope = ""
	}
	if a.TargetID != b.TargetID {
		merged.TargetID = ""
	}
	return merged
}
