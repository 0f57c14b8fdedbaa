package session

import (
	"sync"

	consign "github.com/chimerakang/consign-go"
)

// broadcaster fans the current user out to subscribers. Each subscriber
// channel holds at most one pending value; a newer value replaces an unread
// older one, so slow readers only ever see the latest state.
type broadcaster struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan *consign.UserProfile
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan *consign.UserProfile)}
}

func (b *broadcaster) subscribe(current *consign.UserProfile) (<-chan *consign.UserProfile, func()) {
	ch := make(chan *consign.UserProfile, 1)
	ch <- current

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish must be called with the same ordering as the state transitions it
// reports; the manager holds its state lock while calling it.
func (b *broadcaster) publish(user *consign.UserProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- copyProfile(user)
	}
}

func copyProfile(p *consign.UserProfile) *consign.UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
