package subscription

import (
	"sync"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
)

type command any

type (
	listenersChanged struct{}
	startStream      struct{}
	backoffDone      struct {
		generation uint64
		err        error
	}
	listenReceived struct {
		generation uint64
		response   *firestorepb.ListenResponse
	}
	queryReceived struct {
		generation uint64
		response   *firestorepb.RunQueryResponse
	}
	queryEnded struct {
		generation uint64
	}
	streamFailed struct {
		generation uint64
		err        error
	}
)

// queue is an unbounded FIFO of commands for the run goroutine. Producers
// never block.
type queue struct {
	mu     sync.Mutex
	items  []command
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(cmd command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	cmd := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return cmd, true
}
