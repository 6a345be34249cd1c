package comm

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/parley/channel"
	"github.com/outofforest/parley/discovery"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/internal/observers"
	"github.com/outofforest/parley/messaging"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/wire"
)

var (
	// ErrEndpointNotContactable is returned if there is no known way to reach the endpoint.
	ErrEndpointNotContactable = errors.New("endpoint not contactable")

	// ErrNotSignedIn is returned by operations requiring layer to be signed in.
	ErrNotSignedIn = errors.New("not signed in")
)

// Config is the configuration of communication layer.
type Config struct {
	// Endpoint is the identity of the layer. New one is generated if empty.
	Endpoint id.EndpointID

	// Transports are the channel types used to communicate.
	Transports []transport.ChannelType

	// Discovery are the sources of remote endpoints.
	Discovery []discovery.Source

	// Ranks orders transports reaching the same endpoint. transport.DefaultRanks is used if nil.
	Ranks transport.Ranks
}

type candidate struct {
	info wire.ChannelConnectionInformation
	rank int
}

// Layer is the entry point to the communication with remote endpoints.
type Layer struct {
	config  Config
	local   id.EndpointID
	handler *messaging.Handler

	signedInObs  observers.Registry[wire.ChannelConnectionInformation]
	signedOutObs observers.Registry[id.EndpointID]

	lifecycleMu sync.Mutex

	mu           sync.RWMutex
	signedIn     bool
	baseCtx      context.Context
	group        *parallel.Group
	conversation id.ConversationToken
	channels     map[transport.Tag]*channel.Channel
	candidates   map[id.EndpointID][]candidate
	selected     map[id.EndpointID]wire.ChannelConnectionInformation
}

// New creates communication layer.
func New(config Config) (*Layer, error) {
	if config.Endpoint.IsZero() {
		e, err := id.NewEndpointID()
		if err != nil {
			return nil, err
		}
		config.Endpoint = e
	}
	if config.Ranks == nil {
		config.Ranks = transport.DefaultRanks
	}

	tags := map[transport.Tag]struct{}{}
	for _, t := range config.Transports {
		if _, exists := tags[t.Tag()]; exists {
			return nil, errors.Errorf("transport %q configured twice", t.Tag())
		}
		tags[t.Tag()] = struct{}{}
	}

	return &Layer{
		config:     config,
		local:      config.Endpoint,
		handler:    messaging.NewHandler(),
		channels:   map[transport.Tag]*channel.Channel{},
		candidates: map[id.EndpointID][]candidate{},
		selected:   map[id.EndpointID]wire.ChannelConnectionInformation{},
	}, nil
}

// LocalEndpoint returns the identity of the layer.
func (l *Layer) LocalEndpoint() id.EndpointID {
	return l.local
}

// IsSignedIn tells if layer is signed in.
func (l *Layer) IsSignedIn() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.signedIn
}

// SignIn opens channels and starts discovery.
func (l *Layer) SignIn(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.IsSignedIn() {
		return nil
	}

	group := parallel.NewGroup(ctx)
	channels := make(map[transport.Tag]*channel.Channel, len(l.config.Transports))
	for _, t := range l.config.Transports {
		ch := channel.New(t, l.local, l.receive)
		ch.OnClosed(func(ctx context.Context, info wire.ChannelConnectionInformation) {
			l.handler.OnLocalChannelClosed()
		})
		info, err := ch.Open(group.Context())
		if err != nil {
			for _, ch := range channels {
				ch.Close(ctx)
			}
			group.Exit(nil)
			_ = group.Wait()
			return errors.Wrapf(err, "opening channel %q failed", t.Tag())
		}
		logger.Get(ctx).Info("Channel opened", zap.String("transport", string(info.ChannelType)),
			zap.String("address", info.Address))
		channels[t.Tag()] = ch
	}

	l.mu.Lock()
	l.baseCtx = ctx
	l.group = group
	l.channels = channels
	l.conversation = id.NewConversationToken(l.local)
	l.mu.Unlock()

	obs := observer{layer: l}
	for i, s := range l.config.Discovery {
		if err := s.StartDiscovery(group.Context(), obs); err != nil {
			for _, s := range l.config.Discovery[:i] {
				_ = s.EndDiscovery()
			}
			l.teardown(ctx)
			return errors.Wrap(err, "starting discovery failed")
		}
	}

	l.mu.Lock()
	l.signedIn = true
	l.mu.Unlock()

	logger.Get(ctx).Info("Signed in", zap.Stringer("endpoint", l.local))
	return nil
}

// SignOut stops discovery, notifies remote endpoints and closes channels.
func (l *Layer) SignOut(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if !l.IsSignedIn() {
		return nil
	}

	log := logger.Get(ctx)
	for _, s := range l.config.Discovery {
		if err := s.EndDiscovery(); err != nil {
			log.Error("Ending discovery failed", zap.Error(err))
		}
	}

	l.mu.Lock()
	known := make([]id.EndpointID, 0, len(l.selected))
	for e := range l.selected {
		known = append(known, e)
	}
	l.candidates = map[id.EndpointID][]candidate{}
	l.selected = map[id.EndpointID]wire.ChannelConnectionInformation{}
	l.mu.Unlock()

	for _, e := range known {
		l.signedOutObs.Notify(ctx, e)
	}

	l.teardown(ctx)

	log.Info("Signed out", zap.Stringer("endpoint", l.local))
	return nil
}

func (l *Layer) teardown(ctx context.Context) {
	l.mu.Lock()
	channels := l.channels
	group := l.group
	l.channels = map[transport.Tag]*channel.Channel{}
	l.group = nil
	l.signedIn = false
	l.mu.Unlock()

	for _, ch := range channels {
		ch.Close(ctx)
	}

	group.Exit(nil)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Get(ctx).Error("Background task failed", zap.Error(err))
	}
}

// Context returns context living as long as layer is signed in.
func (l *Layer) Context() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.group == nil {
		base := l.baseCtx
		if base == nil {
			base = context.Background()
		}
		ctx, cancel := context.WithCancel(base)
		cancel()
		return ctx
	}
	return l.group.Context()
}

// Spawn runs task in background until layer signs out. It returns false if layer is not signed in.
func (l *Layer) Spawn(name string, task func(ctx context.Context) error) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.group == nil {
		return false
	}
	l.group.Spawn(name, parallel.Continue, func(ctx context.Context) error {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			logger.Get(ctx).Error("Task failed", zap.String("task", name), zap.Error(err))
		}
		return nil
	})
	return true
}

// OnEndpointSignedIn registers callback called when remote endpoint becomes reachable or its preferred
// connection changes.
func (l *Layer) OnEndpointSignedIn(fn func(ctx context.Context, info wire.ChannelConnectionInformation)) func() {
	return l.signedInObs.Subscribe(fn)
}

// OnEndpointSignedOut registers callback called when remote endpoint becomes unreachable.
func (l *Layer) OnEndpointSignedOut(fn func(ctx context.Context, endpoint id.EndpointID)) func() {
	return l.signedOutObs.Subscribe(fn)
}

// ActOnArrival registers action executed for every incoming non-response message accepted by filter.
func (l *Layer) ActOnArrival(filter messaging.Filter, action messaging.Action) func() {
	return l.handler.ActOnArrival(filter, action)
}

// KnownEndpoints returns endpoints having at least one candidate connection.
func (l *Layer) KnownEndpoints() []id.EndpointID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	endpoints := make([]id.EndpointID, 0, len(l.selected))
	for e := range l.selected {
		endpoints = append(endpoints, e)
	}
	return endpoints
}

// Candidates returns connections reaching the endpoint, best first.
func (l *Layer) Candidates(endpoint id.EndpointID) []wire.ChannelConnectionInformation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	candidates := l.candidates[endpoint]
	infos := make([]wire.ChannelConnectionInformation, 0, len(candidates))
	for _, c := range candidates {
		infos = append(infos, c.info)
	}
	return infos
}

// ConnectionInformation returns the information remote endpoints use to reach this layer over the transport.
func (l *Layer) ConnectionInformation(tag transport.Tag) (wire.ChannelConnectionInformation, bool) {
	l.mu.RLock()
	ch := l.channels[tag]
	l.mu.RUnlock()

	if ch == nil {
		return wire.ChannelConnectionInformation{}, false
	}
	return ch.ConnectionInformation()
}

// ConnectToEndpoint ensures the best channel reaching the endpoint is connected to it.
func (l *Layer) ConnectToEndpoint(ctx context.Context, endpoint id.EndpointID) (*channel.Channel, error) {
	l.mu.RLock()
	open := l.group != nil
	candidates := l.candidates[endpoint]
	var ch *channel.Channel
	var best wire.ChannelConnectionInformation
	if len(candidates) > 0 {
		best = candidates[0].info
		ch = l.channels[best.ChannelType]
	}
	conversation := l.conversation
	l.mu.RUnlock()

	if !open {
		return nil, errors.WithStack(ErrNotSignedIn)
	}
	if ch == nil {
		return nil, errors.Wrapf(ErrEndpointNotContactable, "endpoint %s", endpoint)
	}

	if current, exists := ch.RemoteInformation(endpoint); exists && current == best {
		return ch, nil
	}
	if err := ch.ConnectTo(best); err != nil {
		return nil, err
	}

	own, ok := ch.ConnectionInformation()
	if !ok {
		return nil, errors.WithStack(channel.ErrChannelClosed)
	}
	if err := ch.Send(ctx, endpoint, wire.NewMessage(l.local, conversation, id.None, &wire.EndpointConnect{
		Info: own,
	})); err != nil {
		return nil, err
	}
	return ch, nil
}

// DisconnectFromEndpoint forgets the endpoint as if it signed out.
func (l *Layer) DisconnectFromEndpoint(ctx context.Context, endpoint id.EndpointID) {
	l.endpointUnavailable(ctx, endpoint)
}

// SendMessageTo sends message to the endpoint.
func (l *Layer) SendMessageTo(ctx context.Context, endpoint id.EndpointID, payload wire.Payload) (wire.Message, error) {
	return l.send(ctx, endpoint, id.None, payload)
}

// SendResponseTo sends response to the message received from the endpoint.
func (l *Layer) SendResponseTo(
	ctx context.Context,
	endpoint id.EndpointID,
	inResponseTo id.MessageID,
	payload wire.Payload,
) error {
	_, err := l.send(ctx, endpoint, inResponseTo, payload)
	return err
}

// SendMessageAndWaitForResponse sends message to the endpoint and returns promise of the response.
func (l *Layer) SendMessageAndWaitForResponse(
	ctx context.Context,
	endpoint id.EndpointID,
	payload wire.Payload,
) (*messaging.Promise, error) {
	ch, err := l.ConnectToEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	msg := l.newMessage(id.None, payload)
	promise, err := l.handler.ForwardResponse(endpoint, msg.ID)
	if err != nil {
		return nil, err
	}
	if err := ch.Send(ctx, endpoint, msg); err != nil {
		l.handler.Abandon(msg.ID)
		return nil, err
	}
	return promise, nil
}

// Request sends message to the endpoint and waits for the response.
func (l *Layer) Request(ctx context.Context, endpoint id.EndpointID, payload wire.Payload) (wire.Message, error) {
	promise, err := l.SendMessageAndWaitForResponse(ctx, endpoint, payload)
	if err != nil {
		return wire.Message{}, err
	}

	resp, err := promise.Wait(ctx)
	if err != nil {
		l.handler.Abandon(promise.Request())
		return wire.Message{}, err
	}
	return resp, nil
}

// PrepareForDataReception prepares to receive a byte stream over the transport.
func (l *Layer) PrepareForDataReception(
	ctx context.Context,
	tag transport.Tag,
	localFile string,
	progress transport.Progress,
) (transport.Reception, error) {
	ch, err := l.channel(tag)
	if err != nil {
		return nil, err
	}
	return ch.PrepareForDataReception(ctx, localFile, progress)
}

// TransferData sends the local file to the reception waiting on the address.
func (l *Layer) TransferData(
	ctx context.Context,
	tag transport.Tag,
	address, localFile string,
	progress transport.Progress,
) error {
	ch, err := l.channel(tag)
	if err != nil {
		return err
	}
	return ch.TransferData(ctx, address, localFile, progress)
}

func (l *Layer) channel(tag transport.Tag) (*channel.Channel, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.group == nil {
		return nil, errors.WithStack(ErrNotSignedIn)
	}
	ch := l.channels[tag]
	if ch == nil {
		return nil, errors.Errorf("transport %q is not configured", tag)
	}
	return ch, nil
}

func (l *Layer) send(
	ctx context.Context,
	endpoint id.EndpointID,
	inResponseTo id.MessageID,
	payload wire.Payload,
) (wire.Message, error) {
	ch, err := l.ConnectToEndpoint(ctx, endpoint)
	if err != nil {
		return wire.Message{}, err
	}

	msg := l.newMessage(inResponseTo, payload)
	if err := ch.Send(ctx, endpoint, msg); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

func (l *Layer) newMessage(inResponseTo id.MessageID, payload wire.Payload) wire.Message {
	l.mu.RLock()
	conversation := l.conversation
	l.mu.RUnlock()

	return wire.NewMessage(l.local, conversation, inResponseTo, payload)
}

func (l *Layer) receive(ctx context.Context, msg wire.Message) {
	if msg.Sender == l.local {
		return
	}

	if p, ok := msg.Payload.(*wire.EndpointConnect); ok {
		if p.Info.Endpoint != msg.Sender {
			logger.Get(ctx).Warn("Endpoint announced foreign connection information",
				zap.Stringer("sender", msg.Sender), zap.Stringer("endpoint", p.Info.Endpoint))
			return
		}
		l.endpointAvailable(ctx, p.Info)
	}

	l.handler.ProcessMessage(ctx, msg)

	if _, ok := msg.Payload.(*wire.EndpointDisconnect); ok {
		l.endpointUnavailable(ctx, msg.Sender)
	}
}

func (l *Layer) endpointAvailable(ctx context.Context, info wire.ChannelConnectionInformation) {
	if info.Endpoint == l.local {
		return
	}

	l.mu.Lock()
	if _, exists := l.channels[info.ChannelType]; !exists {
		l.mu.Unlock()
		logger.Get(ctx).Debug("Ignoring endpoint reachable over unsupported transport",
			zap.Stringer("endpoint", info.Endpoint), zap.String("transport", string(info.ChannelType)))
		return
	}

	c := candidate{info: info, rank: l.config.Ranks.Of(info.ChannelType)}
	candidates := slices.DeleteFunc(slices.Clone(l.candidates[info.Endpoint]), func(c candidate) bool {
		return c.info.ChannelType == info.ChannelType
	})
	pos := len(candidates)
	for i, existing := range candidates {
		if c.rank < existing.rank {
			pos = i
			break
		}
	}
	candidates = slices.Insert(candidates, pos, c)
	l.candidates[info.Endpoint] = candidates

	best := candidates[0].info
	previous, known := l.selected[info.Endpoint]
	l.selected[info.Endpoint] = best
	l.mu.Unlock()

	if known && previous == best {
		return
	}

	logger.Get(ctx).Info("Endpoint signed in", zap.Stringer("endpoint", best.Endpoint),
		zap.String("transport", string(best.ChannelType)), zap.String("address", best.Address))
	l.signedInObs.Notify(ctx, best)
}

func (l *Layer) endpointUnavailable(ctx context.Context, endpoint id.EndpointID) {
	l.mu.Lock()
	_, known := l.selected[endpoint]
	delete(l.candidates, endpoint)
	delete(l.selected, endpoint)
	channels := make([]*channel.Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		channels = append(channels, ch)
	}
	l.mu.Unlock()

	for _, ch := range channels {
		ch.DisconnectFrom(endpoint)
	}
	l.handler.CancelFor(endpoint)

	if !known {
		return
	}

	logger.Get(ctx).Info("Endpoint signed out", zap.Stringer("endpoint", endpoint))
	l.signedOutObs.Notify(ctx, endpoint)
}

type observer struct {
	layer *Layer
}

func (o observer) EndpointAvailable(ctx context.Context, info wire.ChannelConnectionInformation) {
	o.layer.endpointAvailable(ctx, info)
}

func (o observer) EndpointUnavailable(ctx context.Context, endpoint id.EndpointID) {
	o.layer.endpointUnavailable(ctx, endpoint)
}
