package capture

import (
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// hub broadcasts transcripts to observers. Slow observers lose their oldest
// pending transcript; the newest one always gets through.
type hub struct {
	mu    sync.Mutex
	depth int
	next  int
	subs  map[int]chan stt.Transcript
}

func newHub(depth int) *hub {
	if depth <= 0 {
		depth = 1
	}
	return &hub{depth: depth, subs: make(map[int]chan stt.Transcript)}
}

func (h *hub) subscribe() (<-chan stt.Transcript, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan stt.Transcript, h.depth)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) broadcast(tr stt.Transcript) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		for {
			select {
			case ch <- tr:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
