package editor

import (
	"context"
	"log"
	"sync"
	"time"
)

const deliverTimeout = 10 * time.Second

// outbox delivers local edits to the provider in order from its own
// goroutine so slow network calls never hold the session lock.
type outbox struct {
	provider Provider

	mu     sync.Mutex
	queue  []Edit
	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newOutbox(provider Provider) *outbox {
	o := &outbox{
		provider: provider,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	o.wg.Add(1)
	go o.run()
	return o
}

func (o *outbox) push(edit Edit) {
	o.mu.Lock()
	o.queue = append(o.queue, edit)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.signal:
			o.drain()
		case <-o.done:
			o.drain()
			return
		}
	}
}

func (o *outbox) drain() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		edit := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := o.provider.ApplyLocalEdit(ctx, edit); err != nil {
			log.Printf("editor: deliver local edit: %v", err)
		}
		cancel()
	}
}

func (o *outbox) close() {
	close(o.done)
	o.wg.Wait()
}
