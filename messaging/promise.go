package messaging

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

// Promise is completed with the response to the sent message.
type Promise struct {
	receiver id.EndpointID
	request  id.MessageID

	once     sync.Once
	done     chan struct{}
	response wire.Message
	err      error
}

func newPromise(receiver id.EndpointID, request id.MessageID) *Promise {
	return &Promise{
		receiver: receiver,
		request:  request,
		done:     make(chan struct{}),
	}
}

// Receiver returns endpoint expected to send the response.
func (p *Promise) Receiver() id.EndpointID {
	return p.receiver
}

// Request returns ID of the message waiting for response.
func (p *Promise) Request() id.MessageID {
	return p.request
}

// Done is closed when promise is fulfilled or cancelled.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Wait waits for the response.
func (p *Promise) Wait(ctx context.Context) (wire.Message, error) {
	select {
	case <-ctx.Done():
		return wire.Message{}, errors.WithStack(ctx.Err())
	case <-p.done:
		return p.response, p.err
	}
}

func (p *Promise) fulfill(msg wire.Message) bool {
	var done bool
	p.once.Do(func() {
		p.response = msg
		close(p.done)
		done = true
	})
	return done
}

func (p *Promise) cancel(reason string) bool {
	var done bool
	p.once.Do(func() {
		p.err = errors.Wrapf(ErrCancelled, "waiting for response to %s from %s: %s", p.request, p.receiver, reason)
		close(p.done)
		done = true
	})
	return done
}
