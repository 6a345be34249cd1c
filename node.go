package parley

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/comm"
	"github.com/outofforest/parley/discovery"
	"github.com/outofforest/parley/hub"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/provider"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/transport/inproc"
	"github.com/outofforest/parley/transport/tcp"
	"github.com/outofforest/parley/wire"
)

// NodeConfig defines node configuration.
type NodeConfig struct {
	Config

	// Endpoint is the identity of the node, generated when zero.
	Endpoint id.EndpointID

	// Bus connects inproc transports.
	Bus *inproc.Bus

	// Discovery sources in addition to the configured peers.
	Discovery []discovery.Source
}

// Node is the endpoint offering local command and notification sets and using the remote ones.
type Node struct {
	commandTimeout  time.Duration
	peers           *discovery.Manual
	layer           *comm.Layer
	commandHub      *hub.CommandHub
	notificationHub *hub.NotificationHub
	commands        *provider.CommandCollection
	notifications   *provider.NotificationCollection
}

// NewNode creates new node.
func NewNode(config NodeConfig) (*Node, error) {
	types, err := config.ChannelTypes(config.Bus)
	if err != nil {
		return nil, err
	}

	peers := discovery.NewManual()
	for _, p := range config.Peers {
		info, err := p.Info()
		if err != nil {
			return nil, err
		}
		peers.Announce(info)
	}

	layer, err := comm.New(comm.Config{
		Endpoint:   config.Endpoint,
		Transports: types,
		Discovery:  append([]discovery.Source{peers}, config.Discovery...),
		Ranks:      config.RankTable(),
	})
	if err != nil {
		return nil, err
	}

	commandTimeout := time.Duration(config.CommandTimeout)
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}

	return &Node{
		commandTimeout:  commandTimeout,
		peers:           peers,
		layer:           layer,
		commandHub:      hub.NewCommandHub(layer),
		notificationHub: hub.NewNotificationHub(layer),
		commands:        provider.NewCommandCollection(layer),
		notifications:   provider.NewNotificationCollection(layer),
	}, nil
}

// Endpoint returns the identity of the node.
func (n *Node) Endpoint() id.EndpointID {
	return n.layer.LocalEndpoint()
}

// Layer returns the communication layer of the node.
func (n *Node) Layer() *comm.Layer {
	return n.layer
}

// CommandHub returns stand-ins of remote command sets.
func (n *Node) CommandHub() *hub.CommandHub {
	return n.commandHub
}

// NotificationHub returns stand-ins of remote notification sets.
func (n *Node) NotificationHub() *hub.NotificationHub {
	return n.notificationHub
}

// Commands returns command sets offered by the node.
func (n *Node) Commands() *provider.CommandCollection {
	return n.commands
}

// Notifications returns notification sets offered by the node.
func (n *Node) Notifications() *provider.NotificationCollection {
	return n.notifications
}

// AddPeer makes the endpoint known to the node.
func (n *Node) AddPeer(info wire.ChannelConnectionInformation) {
	n.peers.Announce(info)
}

// ConnectionInformation returns the connection information of the node for every transport.
func (n *Node) ConnectionInformation() []wire.ChannelConnectionInformation {
	var infos []wire.ChannelConnectionInformation
	for _, tag := range []wire.ChannelTypeTag{inproc.Tag, tcp.Tag} {
		if info, ok := n.layer.ConnectionInformation(tag); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// CommandContext returns context limited by the command timeout unless ctx carries a deadline already.
func (n *Node) CommandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.commandTimeout)
}

// SignIn opens transports and starts discovery.
func (n *Node) SignIn(ctx context.Context) error {
	return n.layer.SignIn(ctx)
}

// SignOut notifies known endpoints and closes transports.
func (n *Node) SignOut(ctx context.Context) error {
	return n.layer.SignOut(ctx)
}

// Close signs out and releases all the stand-ins.
func (n *Node) Close(ctx context.Context) error {
	err := n.layer.SignOut(ctx)
	n.commandHub.Close()
	n.notificationHub.Close()
	n.commands.Close()
	n.notifications.Close()
	return err
}

// Run signs in and keeps node alive until context is canceled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.SignIn(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	if err := n.SignOut(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return errors.WithStack(ctx.Err())
}

// RegisterCommands offers the command set to remote endpoints.
func RegisterCommands[T proxy.CommandSet](ctx context.Context, n *Node, impl T) error {
	return provider.RegisterCommands[T](ctx, n.commands, impl)
}

// RegisterNotifications offers the notification set to remote endpoints.
func RegisterNotifications[T proxy.NotificationSet](ctx context.Context, n *Node, impl T) error {
	return provider.RegisterNotifications[T](ctx, n.notifications, impl)
}

// RemoteCommands returns stand-in of the command set implemented by the endpoint.
func RemoteCommands[T proxy.CommandSet](n *Node, endpoint id.EndpointID) (T, bool) {
	var zero T
	p, exists := n.commandHub.Proxy(endpoint, proxy.SerializedTypeOf(proxy.TypeOf[T]()))
	if !exists {
		return zero, false
	}
	v, ok := p.Value.(T)
	return v, ok
}

// RemoteNotifications returns stand-in of the notification set raised by the endpoint.
func RemoteNotifications[T proxy.NotificationSet](n *Node, endpoint id.EndpointID) (T, bool) {
	var zero T
	p, exists := n.notificationHub.Proxy(endpoint, proxy.SerializedTypeOf(proxy.TypeOf[T]()))
	if !exists {
		return zero, false
	}
	v, ok := p.Value.(T)
	return v, ok
}

// AllRemoteCommands returns stand-ins of the command set for all the endpoints implementing it.
func AllRemoteCommands[T proxy.CommandSet](n *Node) map[id.EndpointID]T {
	proxies := n.commandHub.ProxiesOf(proxy.SerializedTypeOf(proxy.TypeOf[T]()))
	result := make(map[id.EndpointID]T, len(proxies))
	for e, p := range proxies {
		if v, ok := p.Value.(T); ok {
			result[e] = v
		}
	}
	return result
}

// OnRemoteNotifications registers callback called when stand-in of the notification set becomes available.
func OnRemoteNotifications[T proxy.NotificationSet](
	n *Node,
	fn func(ctx context.Context, endpoint id.EndpointID, set T),
) func() {
	t := proxy.SerializedTypeOf(proxy.TypeOf[T]())
	return n.notificationHub.OnProxyAdded(func(ctx context.Context, added hub.Added[*proxy.NotificationProxy]) {
		if added.Proxy.Type != t {
			return
		}
		if v, ok := added.Proxy.Value.(T); ok {
			fn(ctx, added.Endpoint, v)
		}
	})
}

// HasCommandsFor tells if stand-ins of any command set are available for the endpoint.
func (n *Node) HasCommandsFor(endpoint id.EndpointID) bool {
	return n.commandHub.HasProxiesFor(endpoint)
}

// HasNotificationsFor tells if stand-ins of any notification set are available for the endpoint.
func (n *Node) HasNotificationsFor(endpoint id.EndpointID) bool {
	return n.notificationHub.HasProxiesFor(endpoint)
}
