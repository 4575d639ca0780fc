package api

import (
	"sync"

	"github.com/kkshell/kksh/internal/ssh"
)

// scrollback bytes kept per session for late Output subscribers.
const scrollback = 64 * 1024

// outputHub keeps recent shell output per session and fans live output out
// to Output streams. Chunks are fed on the loop goroutine, so a slow
// subscriber drops chunks rather than stall the loop.
type outputHub struct {
	mu       sync.Mutex
	sessions map[string]*outputLog
}

type outputLog struct {
	recent []byte
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	ch   chan []byte
	done chan struct{}
	// final is set before done is closed. Nil means an explicit disconnect.
	final *OutputEvent
}

func newOutputHub() *outputHub {
	return &outputHub{sessions: make(map[string]*outputLog)}
}

// sink starts tracking id and returns the Sink to attach the session with.
func (h *outputHub) sink(id string) ssh.Sink {
	h.mu.Lock()
	h.sessions[id] = &outputLog{subs: make(map[int]*subscription)}
	h.mu.Unlock()
	return ssh.SinkFunc(func(p []byte) { h.add(id, p) })
}

func (h *outputHub) add(id string, p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.sessions[id]
	if !ok {
		return
	}
	log.recent = append(log.recent, p...)
	if n := len(log.recent) - scrollback; n > 0 {
		log.recent = append([]byte(nil), log.recent[n:]...)
	}
	for _, sub := range log.subs {
		chunk := append([]byte(nil), p...)
		select {
		case sub.ch <- chunk:
		default: // drop if subscriber is slow
		}
	}
}

// end finishes every subscription of id with err's event and forgets the
// session.
func (h *outputHub) end(id string, err error) {
	var final *OutputEvent
	if err != nil {
		final = &OutputEvent{Error: err.Error()}
		if k := ssh.KindOf(err); k != 0 {
			final.Kind = k.String()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	for _, sub := range log.subs {
		sub.final = final
		close(sub.done)
	}
}

func (h *outputHub) endAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.end(id, nil)
	}
}

// subscribe returns the scrollback of id and a live subscription.
func (h *outputHub) subscribe(id string) (recent []byte, sub *subscription, cancel func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.sessions[id]
	if !ok {
		return nil, nil, nil, false
	}
	n := log.nextID
	log.nextID++
	sub = &subscription{ch: make(chan []byte, 256), done: make(chan struct{})}
	log.subs[n] = sub

	return append([]byte(nil), log.recent...), sub, func() {
		h.mu.Lock()
		delete(log.subs, n)
		h.mu.Unlock()
	}, true
}
