package discovery

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

// Observer is notified about endpoints becoming reachable and unreachable.
type Observer interface {
	EndpointAvailable(ctx context.Context, info wire.ChannelConnectionInformation)
	EndpointUnavailable(ctx context.Context, endpoint id.EndpointID)
}

// Source discovers remote endpoints.
type Source interface {
	// StartDiscovery starts reporting endpoints to the observer until ctx is done or EndDiscovery is called.
	StartDiscovery(ctx context.Context, observer Observer) error

	// EndDiscovery stops reporting endpoints.
	EndDiscovery() error
}

var errAlreadyStarted = errors.New("discovery already started")

// Manual is the discovery source driven by explicit announcements. It is used when peers are known upfront,
// e.g. when they are spawned by the local process.
type Manual struct {
	mu       sync.Mutex
	ctx      context.Context
	observer Observer
	known    map[id.EndpointID]map[wire.ChannelTypeTag]wire.ChannelConnectionInformation
}

// NewManual creates manual discovery source announcing initial endpoints once discovery starts.
func NewManual(initial ...wire.ChannelConnectionInformation) *Manual {
	m := &Manual{
		known: map[id.EndpointID]map[wire.ChannelTypeTag]wire.ChannelConnectionInformation{},
	}
	for _, info := range initial {
		m.remember(info)
	}
	return m
}

// StartDiscovery starts reporting endpoints to the observer.
func (m *Manual) StartDiscovery(ctx context.Context, observer Observer) error {
	m.mu.Lock()
	if m.observer != nil {
		m.mu.Unlock()
		return errors.WithStack(errAlreadyStarted)
	}
	m.ctx = ctx
	m.observer = observer

	var infos []wire.ChannelConnectionInformation
	for _, byType := range m.known {
		for _, info := range byType {
			infos = append(infos, info)
		}
	}
	m.mu.Unlock()

	for _, info := range infos {
		observer.EndpointAvailable(ctx, info)
	}
	return nil
}

// EndDiscovery stops reporting endpoints. Announcements made later are remembered for the next start.
func (m *Manual) EndDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx = nil
	m.observer = nil
	return nil
}

// Announce reports the endpoint as reachable.
func (m *Manual) Announce(info wire.ChannelConnectionInformation) {
	m.mu.Lock()
	m.remember(info)
	ctx, observer := m.ctx, m.observer
	m.mu.Unlock()

	if observer != nil {
		observer.EndpointAvailable(ctx, info)
	}
}

// Withdraw reports the endpoint as unreachable.
func (m *Manual) Withdraw(endpoint id.EndpointID) {
	m.mu.Lock()
	delete(m.known, endpoint)
	ctx, observer := m.ctx, m.observer
	m.mu.Unlock()

	if observer != nil {
		observer.EndpointUnavailable(ctx, endpoint)
	}
}

func (m *Manual) remember(info wire.ChannelConnectionInformation) {
	byType := m.known[info.Endpoint]
	if byType == nil {
		byType = map[wire.ChannelTypeTag]wire.ChannelConnectionInformation{}
		m.known[info.Endpoint] = byType
	}
	byType[info.ChannelType] = info
}
