package order

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrQueueClosed = errors.New("serial queue closed")

// Serial runs submitted functions one at a time on a single goroutine. A bot
// routes every mutation of its trading state through one Serial.
type Serial struct {
	ch   chan func()
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewSerial starts a queue with the given buffer.
func NewSerial(size int) *Serial {
	if size <= 0 {
		size = 256
	}
	s := &Serial{ch: make(chan func(), size), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.done)
	for fn := range s.ch {
		s.exec(fn)
	}
}

func (s *Serial) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ serial queue task panicked: %v", r)
		}
	}()
	fn()
}

// Submit enqueues fn. It blocks only while the buffer is full and returns
// false once the queue is closed.
func (s *Serial) Submit(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.ch <- fn
	return true
}

// Do runs fn on the queue and waits for it. Must not be called from a
// function running on the same queue.
func (s *Serial) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.Submit(func() {
		defer close(finished)
		fn()
	}) {
		return ErrQueueClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued functions.
func (s *Serial) Len() int {
	return len(s.ch)
}

// Close stops accepting work, runs what is queued and waits.
func (s *Serial) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
