package events

import "sync"

// Feed fans committed events out to live subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event and must
// catch up from the durable log.
type Feed struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped uint64
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan Event, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Publish delivers events to every subscriber.
func (f *Feed) Publish(evs ...*Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range evs {
		for _, ch := range f.subs {
			select {
			case ch <- *ev:
			default:
				f.dropped++
			}
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (f *Feed) Dropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}
