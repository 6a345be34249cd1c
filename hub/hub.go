package hub

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley/comm"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/internal/observers"
	"github.com/outofforest/parley/wire"
)

// Proxy is the stand-in kept by the hub.
type Proxy interface {
	Release()
}

// Strategy defines the kind of proxies managed by the hub.
type Strategy[P Proxy] interface {
	// Kind names the kind of proxies in logs.
	Kind() string

	// Request returns the message asking remote endpoint for its types.
	Request() wire.Payload

	// Types extracts types from the response.
	Types(resp wire.Message) ([]wire.SerializedType, error)

	// Announced extracts type from the message announcing newly registered type.
	Announced(msg wire.Message) (wire.SerializedType, bool)

	// Build builds proxy of the type for the endpoint.
	Build(endpoint id.EndpointID, t wire.SerializedType) (P, error)
}

// Added is reported when proxy is added to the hub.
type Added[P Proxy] struct {
	Endpoint id.EndpointID
	Type     wire.SerializedType
	Proxy    P
}

// Hub keeps proxies of types offered by remote endpoints.
type Hub[P Proxy] struct {
	layer    *comm.Layer
	strategy Strategy[P]

	signedIn  observers.Registry[id.EndpointID]
	signedOff observers.Registry[id.EndpointID]
	added     observers.Registry[Added[P]]

	mu      sync.Mutex
	proxies map[id.EndpointID]map[wire.SerializedType]P
	pending mapset.Set[id.EndpointID]
	rounds  map[id.EndpointID]uint64
	round   uint64
	unsubs  []func()
}

// New creates hub attached to the communication layer.
func New[P Proxy](layer *comm.Layer, strategy Strategy[P]) *Hub[P] {
	h := &Hub[P]{
		layer:    layer,
		strategy: strategy,
		proxies:  map[id.EndpointID]map[wire.SerializedType]P{},
		pending:  mapset.NewSet[id.EndpointID](),
		rounds:   map[id.EndpointID]uint64{},
	}

	h.unsubs = append(h.unsubs,
		layer.OnEndpointSignedIn(h.endpointSignedIn),
		layer.OnEndpointSignedOut(h.endpointSignedOut),
		layer.ActOnArrival(func(msg wire.Message) bool {
			_, ok := strategy.Announced(msg)
			return ok
		}, h.typeAnnounced),
	)
	return h
}

// Close detaches hub from the layer and releases all the proxies.
func (h *Hub[P]) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	proxies := h.proxies
	h.unsubs = nil
	h.proxies = map[id.EndpointID]map[wire.SerializedType]P{}
	h.pending.Clear()
	h.rounds = map[id.EndpointID]uint64{}
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, byType := range proxies {
		for _, p := range byType {
			p.Release()
		}
	}
}

// OnEndpointSignedIn registers callback called when proxies of the endpoint become available.
func (h *Hub[P]) OnEndpointSignedIn(fn func(ctx context.Context, endpoint id.EndpointID)) func() {
	return h.signedIn.Subscribe(fn)
}

// OnEndpointSignedOff registers callback called after proxies of the endpoint are released.
func (h *Hub[P]) OnEndpointSignedOff(fn func(ctx context.Context, endpoint id.EndpointID)) func() {
	return h.signedOff.Subscribe(fn)
}

// OnProxyAdded registers callback called for every proxy added to the hub.
func (h *Hub[P]) OnProxyAdded(fn func(ctx context.Context, added Added[P])) func() {
	return h.added.Subscribe(fn)
}

// HasProxiesFor tells if hub keeps any proxy for the endpoint.
func (h *Hub[P]) HasProxiesFor(endpoint id.EndpointID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.proxies[endpoint]) > 0
}

// IsPending tells if types of the endpoint are being enumerated.
func (h *Hub[P]) IsPending(endpoint id.EndpointID) bool {
	return h.pending.Contains(endpoint)
}

// Proxy returns proxy of the type for the endpoint.
func (h *Hub[P]) Proxy(endpoint id.EndpointID, t wire.SerializedType) (P, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, exists := h.proxies[endpoint][t]
	return p, exists
}

// Proxies returns all the proxies of the endpoint.
func (h *Hub[P]) Proxies(endpoint id.EndpointID) []P {
	h.mu.Lock()
	defer h.mu.Unlock()

	proxies := make([]P, 0, len(h.proxies[endpoint]))
	for _, p := range h.proxies[endpoint] {
		proxies = append(proxies, p)
	}
	return proxies
}

// ProxiesOf returns proxies of the type for all the endpoints offering it.
func (h *Hub[P]) ProxiesOf(t wire.SerializedType) map[id.EndpointID]P {
	h.mu.Lock()
	defer h.mu.Unlock()

	proxies := map[id.EndpointID]P{}
	for endpoint, byType := range h.proxies {
		if p, exists := byType[t]; exists {
			proxies[endpoint] = p
		}
	}
	return proxies
}

func (h *Hub[P]) endpointSignedIn(ctx context.Context, info wire.ChannelConnectionInformation) {
	endpoint := info.Endpoint

	round, ok := h.begin(endpoint)
	if !ok {
		return
	}

	if !h.layer.Spawn("enumerate-"+h.strategy.Kind(), func(ctx context.Context) error {
		h.enumerate(ctx, endpoint, round)
		return nil
	}) {
		h.mu.Lock()
		h.finish(endpoint, round)
		h.mu.Unlock()
	}
}

// begin marks endpoint as pending and returns the enumeration round owning the mark.
func (h *Hub[P]) begin(endpoint id.EndpointID) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.proxies[endpoint]) > 0 || h.pending.Contains(endpoint) {
		return 0, false
	}
	h.round++
	h.rounds[endpoint] = h.round
	h.pending.Add(endpoint)
	return h.round, true
}

// finish clears the pending mark if it is still owned by the round. Must be called with h.mu held.
func (h *Hub[P]) finish(endpoint id.EndpointID, round uint64) bool {
	if h.rounds[endpoint] != round {
		return false
	}
	delete(h.rounds, endpoint)
	h.pending.Remove(endpoint)
	return true
}

func (h *Hub[P]) enumerate(ctx context.Context, endpoint id.EndpointID, round uint64) {
	log := logger.Get(ctx).With(zap.Stringer("endpoint", endpoint), zap.String("kind", h.strategy.Kind()))

	resp, err := h.layer.Request(ctx, endpoint, h.strategy.Request())
	var types []wire.SerializedType
	if err == nil {
		types, err = h.strategy.Types(resp)
	}
	if err != nil {
		h.mu.Lock()
		h.finish(endpoint, round)
		h.mu.Unlock()
		log.Warn("Enumerating types failed", zap.Error(err))
		return
	}

	var added []Added[P]
	h.mu.Lock()
	if !h.finish(endpoint, round) {
		h.mu.Unlock()
		return
	}

	byType := map[wire.SerializedType]P{}
	for _, t := range types {
		if _, exists := h.proxies[endpoint][t]; exists {
			continue
		}
		if _, exists := byType[t]; exists {
			continue
		}
		p, err := h.strategy.Build(endpoint, t)
		if err != nil {
			h.mu.Unlock()
			for _, p := range byType {
				p.Release()
			}
			log.Error("Building proxy failed", zap.Stringer("type", t), zap.Error(err))
			return
		}
		byType[t] = p
		added = append(added, Added[P]{Endpoint: endpoint, Type: t, Proxy: p})
	}
	h.store(endpoint, byType)
	h.mu.Unlock()

	if len(added) == 0 {
		return
	}

	log.Debug("Proxies built", zap.Int("count", len(added)))
	for _, a := range added {
		h.added.Notify(ctx, a)
	}
	h.signedIn.Notify(ctx, endpoint)
}

func (h *Hub[P]) endpointSignedOut(ctx context.Context, endpoint id.EndpointID) {
	h.mu.Lock()
	delete(h.rounds, endpoint)
	h.pending.Remove(endpoint)
	proxies := h.proxies[endpoint]
	delete(h.proxies, endpoint)
	h.mu.Unlock()

	for _, p := range proxies {
		p.Release()
	}
	h.signedOff.Notify(ctx, endpoint)
}

func (h *Hub[P]) typeAnnounced(ctx context.Context, msg wire.Message) {
	t, ok := h.strategy.Announced(msg)
	if !ok {
		return
	}

	h.mu.Lock()
	if _, exists := h.proxies[msg.Sender][t]; exists {
		h.mu.Unlock()
		return
	}
	p, err := h.strategy.Build(msg.Sender, t)
	if err != nil {
		h.mu.Unlock()
		logger.Get(ctx).Error("Building proxy failed", zap.Stringer("endpoint", msg.Sender),
			zap.Stringer("type", t), zap.Error(err))
		return
	}
	first := len(h.proxies[msg.Sender]) == 0
	h.store(msg.Sender, map[wire.SerializedType]P{t: p})
	h.mu.Unlock()

	h.added.Notify(ctx, Added[P]{Endpoint: msg.Sender, Type: t, Proxy: p})
	if first {
		h.signedIn.Notify(ctx, msg.Sender)
	}
}

// store must be called with h.mu held.
func (h *Hub[P]) store(endpoint id.EndpointID, proxies map[wire.SerializedType]P) {
	if len(proxies) == 0 {
		return
	}
	byType := h.proxies[endpoint]
	if byType == nil {
		byType = map[wire.SerializedType]P{}
		h.proxies[endpoint] = byType
	}
	for t, p := range proxies {
		byType[t] = p
	}
}
