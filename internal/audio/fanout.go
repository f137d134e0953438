package audio

import "sync"

// fanout delivers live buffers to listeners. Each listener has a bounded queue;
// when it is full the oldest buffer is dropped so the capture callback never waits.
type fanout struct {
	mu      sync.Mutex
	depth   int
	next    int
	subs    map[int]chan Buffer
	closed  bool
	dropped uint64
}

func newFanout(depth int) *fanout {
	if depth <= 0 {
		depth = 1
	}
	return &fanout{depth: depth, subs: make(map[int]chan Buffer)}
}

func (f *fanout) subscribe() (<-chan Buffer, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Buffer, f.depth)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *fanout) publish(b Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- b.Clone():
			continue
		default:
		}
		select {
		case <-ch:
			f.dropped++
		default:
		}
		select {
		case ch <- b.Clone():
		default:
			f.dropped++
		}
	}
}

func (f *fanout) closeAll() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	return f.dropped
}

func (f *fanout) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
