// Package queue hands notification tasks from the producers to the worker
// that delivers them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrQueueEmpty = errors.New("queue is empty")
	ErrQueueFull  = errors.New("queue is full")
)

type Queue interface {
	Enqueue(ctx context.Context, data interface{}) error
	// Dequeue blocks until an item is available or ctx is done.
	Dequeue(ctx context.Context, data interface{}) error
}

// NewMemoryQueue keeps up to size items in process. Items are stored
// encoded, so both queues behave the same for callers.
func NewMemoryQueue(size int) Queue {
	return memoryQueue(make(chan []byte, size))
}

type memoryQueue chan []byte

func (q memoryQueue) Enqueue(ctx context.Context, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	select {
	case q <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q memoryQueue) Dequeue(ctx context.Context, target interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case data, ok := <-q:
		if !ok {
			return ErrQueueEmpty
		}
		return json.Unmarshal(data, target)
	}
}
