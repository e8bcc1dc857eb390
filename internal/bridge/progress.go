package bridge

import "sync"

// progress follows the message ids of one session. The cursor may only
// move to an id once every earlier id of the session is published.
type progress struct {
	mu      sync.Mutex
	pending map[int64]struct{}
	done    int64 // highest published id
	mark    int64 // highest id handed out for saving
}

func newProgress() *progress {
	return &progress{pending: make(map[int64]struct{})}
}

func (p *progress) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[int64]struct{})
	p.done, p.mark = 0, 0
}

// begin registers id as outstanding. Ids at or below the mark are
// redeliveries and never hold the cursor back.
func (p *progress) begin(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id > p.mark {
		p.pending[id] = struct{}{}
	}
}

// complete marks id as published and returns the new cursor, if it moved.
// An id that failed is never completed and holds the cursor below it for
// the rest of the session.
func (p *progress) complete(id int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
	if id > p.done {
		p.done = id
	}
	next := p.done
	for pid := range p.pending {
		if pid-1 < next {
			next = pid - 1
		}
	}
	if next <= p.mark {
		return 0, false
	}
	p.mark = next
	return next, true
}
