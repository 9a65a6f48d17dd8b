// Package dispatch provides the single-consumer queue on which every
// mutation of observable model state and every notification runs.
package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Poster schedules fn on a dispatch queue.
type Poster interface {
	Post(fn func()) bool
}

// Queue runs posted functions one at a time, in post order.
type Queue struct {
	ch     chan func()
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewQueue creates a queue buffering up to size pending functions.
func NewQueue(size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		ch:     make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Post enqueues fn. It blocks while the buffer is full and returns false
// once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- fn:
		return true
	case <-q.done:
		q.logger.Warn().Msg("dispatch queue closed, dropping posted work")
		return false
	}
}

// Run executes posted functions until ctx is cancelled or Close is called.
func (q *Queue) Run(ctx context.Context) error {
	defer q.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case fn := <-q.ch:
			q.execute(fn)
		}
	}
}

// Close stops the queue. Pending functions are discarded.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("dispatched function panicked")
		}
	}()
	fn()
}

// Inline runs posted functions immediately on the caller's goroutine.
type Inline struct{}

// Post runs fn.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}
