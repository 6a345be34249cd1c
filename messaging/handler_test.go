package messaging

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/qa"
)

func newEndpoint(requireT *require.Assertions) id.EndpointID {
	e, err := id.NewEndpointID()
	requireT.NoError(err)
	return e
}

func assertPending(requireT *require.Assertions, p *Promise) {
	select {
	case <-p.Done():
		requireT.Fail("promise should be pending")
	default:
	}
}

func TestResponseCorrelation(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := NewHandler()
	remote := newEndpoint(requireT)

	req1 := id.NewMessageID()
	req2 := id.NewMessageID()
	p1, err := h.ForwardResponse(remote, req1)
	requireT.NoError(err)
	p2, err := h.ForwardResponse(remote, req2)
	requireT.NoError(err)

	p1b, err := h.ForwardResponse(remote, req1)
	requireT.NoError(err)
	requireT.Same(p1, p1b)
	requireT.Equal(2, h.Pending())

	resp := wire.NewMessage(remote, "", req1, &wire.Success{})
	h.ProcessMessage(ctx, resp)

	received, err := p1.Wait(ctx)
	requireT.NoError(err)
	requireT.Equal(resp, received)
	assertPending(requireT, p2)
	requireT.Equal(1, h.Pending())

	// Second response to the same request is ignored.
	h.ProcessMessage(ctx, wire.NewMessage(remote, "", req1, &wire.Failure{Error: "late"}))
	received, err = p1.Wait(ctx)
	requireT.NoError(err)
	requireT.Equal(resp, received)
}

func TestNoneCantBeForwarded(t *testing.T) {
	requireT := require.New(t)

	h := NewHandler()
	_, err := h.ForwardResponse(newEndpoint(requireT), id.None)
	requireT.ErrorIs(err, ErrNoResponseExpected)
}

func TestDisconnectCancelsOnlyAffectedEndpoint(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := NewHandler()
	endpointA := newEndpoint(requireT)
	endpointB := newEndpoint(requireT)

	pA1, err := h.ForwardResponse(endpointA, id.NewMessageID())
	requireT.NoError(err)
	pA2, err := h.ForwardResponse(endpointA, id.NewMessageID())
	requireT.NoError(err)
	pB, err := h.ForwardResponse(endpointB, id.NewMessageID())
	requireT.NoError(err)

	h.ProcessMessage(ctx, wire.NewMessage(endpointA, "", id.None, &wire.EndpointDisconnect{}))

	_, err = pA1.Wait(ctx)
	requireT.ErrorIs(err, ErrCancelled)
	_, err = pA2.Wait(ctx)
	requireT.ErrorIs(err, ErrCancelled)
	assertPending(requireT, pB)
	requireT.Equal(1, h.Pending())
}

func TestLocalChannelClosedCancelsEverything(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := NewHandler()
	p1, err := h.ForwardResponse(newEndpoint(requireT), id.NewMessageID())
	requireT.NoError(err)
	p2, err := h.ForwardResponse(newEndpoint(requireT), id.NewMessageID())
	requireT.NoError(err)

	h.OnLocalChannelClosed()
	requireT.Zero(h.Pending())

	_, err = p1.Wait(ctx)
	requireT.ErrorIs(err, ErrCancelled)
	_, err = p2.Wait(ctx)
	requireT.ErrorIs(err, ErrCancelled)
}

func TestAbandon(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := NewHandler()
	remote := newEndpoint(requireT)
	req := id.NewMessageID()
	p, err := h.ForwardResponse(remote, req)
	requireT.NoError(err)

	h.Abandon(req)
	requireT.Zero(h.Pending())

	h.ProcessMessage(ctx, wire.NewMessage(remote, "", req, &wire.Success{}))
	assertPending(requireT, p)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(waitCtx)
	requireT.ErrorIs(err, context.DeadlineExceeded)
}

func TestActOnArrival(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := NewHandler()
	remote := newEndpoint(requireT)

	var requests, all atomic.Int32
	unregister := h.ActOnArrival(func(msg wire.Message) bool {
		_, ok := msg.Payload.(*wire.CommandInformationRequest)
		return ok
	}, func(ctx context.Context, msg wire.Message) {
		requests.Add(1)
	})
	h.ActOnArrival(func(msg wire.Message) bool {
		return true
	}, func(ctx context.Context, msg wire.Message) {
		all.Add(1)
	})

	h.ProcessMessage(ctx, wire.NewMessage(remote, "", id.None, &wire.CommandInformationRequest{}))
	h.ProcessMessage(ctx, wire.NewMessage(remote, "", id.None, &wire.NotificationInformationRequest{}))
	requireT.EqualValues(1, requests.Load())
	requireT.EqualValues(2, all.Load())

	// Responses are not dispatched to filters.
	h.ProcessMessage(ctx, wire.NewMessage(remote, "", id.NewMessageID(), &wire.CommandInformationRequest{}))
	requireT.EqualValues(1, requests.Load())

	unregister()
	h.ProcessMessage(ctx, wire.NewMessage(remote, "", id.None, &wire.CommandInformationRequest{}))
	requireT.EqualValues(1, requests.Load())
	requireT.EqualValues(3, all.Load())
}

func TestActionMayRegisterActions(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := NewHandler()
	remote := newEndpoint(requireT)

	var nested atomic.Int32
	h.ActOnArrival(func(msg wire.Message) bool {
		return true
	}, func(ctx context.Context, msg wire.Message) {
		h.ActOnArrival(func(msg wire.Message) bool {
			return true
		}, func(ctx context.Context, msg wire.Message) {
			nested.Add(1)
		})
	})

	h.ProcessMessage(ctx, wire.NewMessage(remote, "", id.None, &wire.Success{}))
	requireT.Zero(nested.Load())
	h.ProcessMessage(ctx, wire.NewMessage(remote, "", id.None, &wire.Success{}))
	requireT.EqualValues(1, nested.Load())
}
