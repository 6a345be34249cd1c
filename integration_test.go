package parley_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parley"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/test/sets"
	"github.com/outofforest/parley/transport/inproc"
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/qa"
)

const waitTimeout = 10 * time.Second

type setup struct {
	name   string
	config func() parley.Config
}

var setups = []setup{
	{
		name: "inproc",
		config: func() parley.Config {
			return parley.Config{
				Transports: parley.TransportsConfig{
					Inproc: &parley.TransportConfig{},
				},
			}
		},
	},
	{
		name: "tcp",
		config: func() parley.Config {
			return parley.Config{
				Transports: parley.TransportsConfig{
					TCP: &parley.TransportConfig{},
				},
			}
		},
	},
}

// newNodes returns provider node and consumer node which knows about the provider.
func newNodes(ctx context.Context, t *testing.T, s setup) (*parley.Node, *parley.Node) {
	requireT := require.New(t)

	bus := inproc.NewBus()
	provider, err := parley.NewNode(parley.NodeConfig{Config: s.config(), Bus: bus})
	requireT.NoError(err)
	consumer, err := parley.NewNode(parley.NodeConfig{Config: s.config(), Bus: bus})
	requireT.NoError(err)

	requireT.NoError(provider.SignIn(ctx))
	requireT.NoError(consumer.SignIn(ctx))
	t.Cleanup(func() {
		requireT.NoError(consumer.Close(ctx))
		requireT.NoError(provider.Close(ctx))
	})

	infos := provider.ConnectionInformation()
	requireT.Len(infos, 1)
	consumer.AddPeer(infos[0])

	return provider, consumer
}

func TestCommandRoundTrip(t *testing.T) {
	for _, s := range setups {
		t.Run(s.name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			provider, consumer := newNodes(ctx, t, s)

			calc := &sets.LocalCalculator{}
			requireT.NoError(parley.RegisterCommands[sets.Calculator](ctx, provider, calc))

			var remote sets.Calculator
			requireT.Eventually(func() bool {
				var ok bool
				remote, ok = parley.RemoteCommands[sets.Calculator](consumer, provider.Endpoint())
				return ok
			}, waitTimeout, 10*time.Millisecond)

			cmdCtx, cancel := consumer.CommandContext(ctx)
			defer cancel()

			sum, err := remote.Add(cmdCtx, 3, 4)
			requireT.NoError(err)
			requireT.Equal(7, sum)

			p, err := remote.Scale(cmdCtx, sets.Point{X: 1, Y: -2}, 3)
			requireT.NoError(err)
			requireT.Equal(sets.Point{X: 3, Y: -6}, p)

			requireT.NoError(remote.Reset(cmdCtx))
			requireT.Equal(1, calc.Resets())

			calc.RefuseReset = true
			err = remote.Reset(cmdCtx)
			requireT.ErrorIs(err, proxy.ErrCommandInvocationFailed)
			requireT.Contains(err.Error(), sets.ErrResetRefused.Error())

			remote.Ping(cmdCtx, "ping")
			requireT.Eventually(func() bool {
				return len(calc.Pings()) == 1
			}, waitTimeout, 10*time.Millisecond)

			all := parley.AllRemoteCommands[sets.Calculator](consumer)
			requireT.Len(all, 1)
			requireT.Contains(all, provider.Endpoint())
		})
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	for _, s := range setups {
		t.Run(s.name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			provider, consumer := newNodes(ctx, t, s)

			ticker := sets.NewLocalTicker()
			requireT.NoError(parley.RegisterNotifications[sets.Ticker](ctx, provider, ticker))

			var remote sets.Ticker
			requireT.Eventually(func() bool {
				var ok bool
				remote, ok = parley.RemoteNotifications[sets.Ticker](consumer, provider.Endpoint())
				return ok
			}, waitTimeout, 10*time.Millisecond)

			ticks := make(chan sets.TickArgs, 10)
			unsubscribe := remote.OnTick().Subscribe(func(args sets.TickArgs) {
				ticks <- args
			})
			onTick := wire.SerializedEvent{
				Type:  proxy.SerializedTypeOf(proxy.TypeOf[sets.Ticker]()),
				Event: "OnTick",
			}
			requireT.Eventually(func() bool {
				return len(provider.Notifications().Subscribers(onTick)) == 1
			}, waitTimeout, 10*time.Millisecond)

			ticker.OnTick().Raise(sets.TickArgs{Seq: 42, At: time.Now()})
			select {
			case args := <-ticks:
				requireT.EqualValues(42, args.Seq)
			case <-time.After(waitTimeout):
				requireT.Fail("tick not received")
			}

			unsubscribe()
			requireT.Eventually(func() bool {
				return len(provider.Notifications().Subscribers(onTick)) == 0
			}, waitTimeout, 10*time.Millisecond)
		})
	}
}

func TestSignOffReleasesStandIns(t *testing.T) {
	for _, s := range setups {
		t.Run(s.name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			provider, consumer := newNodes(ctx, t, s)
			requireT.NoError(parley.RegisterCommands[sets.Calculator](ctx, provider, &sets.LocalCalculator{}))

			var remote sets.Calculator
			requireT.Eventually(func() bool {
				var ok bool
				remote, ok = parley.RemoteCommands[sets.Calculator](consumer, provider.Endpoint())
				return ok
			}, waitTimeout, 10*time.Millisecond)

			requireT.NoError(provider.SignOut(ctx))
			requireT.Eventually(func() bool {
				return !consumer.HasCommandsFor(provider.Endpoint())
			}, waitTimeout, 10*time.Millisecond)

			_, err := remote.Add(ctx, 1, 1)
			requireT.ErrorIs(err, proxy.ErrRemoteOperationFailed)
		})
	}
}

func TestRun(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	node, err := parley.NewNode(parley.NodeConfig{Config: setups[1].config()})
	requireT.NoError(err)

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- node.Run(runCtx)
	}()

	requireT.Eventually(node.Layer().IsSignedIn, waitTimeout, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		requireT.ErrorIs(err, context.Canceled)
	case <-time.After(waitTimeout):
		requireT.Fail("node did not stop")
	}
	requireT.False(node.Layer().IsSignedIn())
}
