package chatsync

import (
	"context"
	"sync"
)

// hubBuffer is the number of batches a subscriber may fall behind before its
// stream is ended with ErrStreamOverflow.
const hubBuffer = 64

// createdHub fans out created-message batches to in-process subscribers. It
// backs the live side of the local stores and the webhook receiver.
type createdHub struct {
	mu     sync.Mutex
	subs   map[*hubStream]struct{}
	closed bool
}

func newCreatedHub() *createdHub {
	return &createdHub{subs: make(map[*hubStream]struct{})}
}

// subscribe registers a stream for messages newer than since. replay, when
// not empty, is delivered as the first batch; callers gather it under the
// same lock that serializes their writes so nothing falls in between.
func (h *createdHub) subscribe(ctx context.Context, since int64, replay []Message) (CreatedStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	s := &hubStream{
		hub:   h,
		since: since,
		ch:    make(chan []Message, hubBuffer),
		stop:  make(chan struct{}),
	}
	if len(replay) > 0 {
		s.ch <- replay
	}
	h.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
		}
	}()
	return s, nil
}

// publish hands batch to every subscriber. A subscriber whose buffer is full
// is ended with ErrStreamOverflow.
func (h *createdHub) publish(batch []Message) {
	if len(batch) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		part := newerThan(batch, s.since)
		if len(part) == 0 {
			continue
		}
		select {
		case s.ch <- part:
		default:
			h.detach(s, ErrStreamOverflow)
		}
	}
}

// close ends every subscriber and rejects new ones.
func (h *createdHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		h.detach(s, nil)
	}
}

// detach removes s and closes its channel. Callers hold h.mu.
func (h *createdHub) detach(s *hubStream, err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	delete(h.subs, s)
	close(s.ch)
	close(s.stop)
}

func newerThan(batch []Message, since int64) []Message {
	out := batch[:0:0]
	for _, m := range batch {
		if m.Timestamp > since {
			out = append(out, m)
		}
	}
	return out
}

// hubStream is one subscription to a createdHub. done and err are guarded
// by the hub's mutex.
type hubStream struct {
	hub   *createdHub
	since int64
	ch    chan []Message
	stop  chan struct{}
	done  bool
	err   error
}

func (s *hubStream) Batches() <-chan []Message { return s.ch }

func (s *hubStream) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *hubStream) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.detach(s, nil)
	return nil
}
