package edge

import (
	"sync"
)

// endedHub fans call-ended notifications out to the memberships of a call.
type endedHub struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[string]map[uint64]*membership
}

func newEndedHub() *endedHub {
	return &endedHub{watchers: make(map[string]map[uint64]*membership)}
}

func (h *endedHub) register(cid string, leave func() error) *membership {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	m := &membership{done: make(chan struct{}), leave: leave}
	m.unregister = func() { h.remove(cid, id) }
	set, ok := h.watchers[cid]
	if !ok {
		set = make(map[uint64]*membership)
		h.watchers[cid] = set
	}
	set[id] = m
	return m
}

func (h *endedHub) remove(cid string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[cid]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.watchers, cid)
	}
}

func (h *endedHub) notify(cid string) int {
	h.mu.Lock()
	set := h.watchers[cid]
	delete(h.watchers, cid)
	h.mu.Unlock()

	for _, m := range set {
		m.markEnded()
	}
	return len(set)
}

func (h *endedHub) count(cid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[cid])
}

type membership struct {
	done       chan struct{}
	doneOnce   sync.Once
	closeOnce  sync.Once
	closeErr   error
	leave      func() error
	unregister func()
}

func (m *membership) Done() <-chan struct{} { return m.done }

func (m *membership) markEnded() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *membership) Close() error {
	m.closeOnce.Do(func() {
		if m.unregister != nil {
			m.unregister()
		}
		m.markEnded()
		if m.leave != nil {
			m.closeErr = m.leave()
		}
	})
	return m.closeErr
}
