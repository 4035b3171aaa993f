package session

import (
	"context"
	"sync"
)

// mailbox runs a tenant's inbound messages through a single consumer so one
// conversation is handled in arrival order.
type mailbox struct {
	ch     chan Inbound
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	handle func(context.Context, Inbound)
	ctx    context.Context
}

func newMailbox(ctx context.Context, size int, handle func(context.Context, Inbound)) *mailbox {
	if size < 1 {
		size = 1
	}
	mb := &mailbox{
		ch:     make(chan Inbound, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		handle: handle,
		ctx:    ctx,
	}
	go mb.run()
	return mb
}

func (mb *mailbox) run() {
	defer close(mb.done)
	for {
		select {
		case <-mb.stop:
			return
		case msg := <-mb.ch:
			mb.handle(mb.ctx, msg)
		}
	}
}

// push blocks while the mailbox is full. It reports false once the mailbox
// has been closed.
func (mb *mailbox) push(msg Inbound) bool {
	select {
	case <-mb.stop:
		return false
	default:
	}
	select {
	case mb.ch <- msg:
		return true
	case <-mb.stop:
		return false
	}
}

// close stops the consumer after the message in flight, if any.
func (mb *mailbox) close() {
	mb.once.Do(func() { close(mb.stop) })
	<-mb.done
}
