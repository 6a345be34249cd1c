package sets

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/proxy"
)

// Point is the point on a plane.
type Point struct {
	X int
	Y int
}

// Calculator is the command set used in tests.
type Calculator interface {
	proxy.CommandSet

	Add(ctx context.Context, a, b int) (int, error)
	Scale(ctx context.Context, p Point, factor int) (Point, error)
	Reset(ctx context.Context) error
	Ping(ctx context.Context, note string)
}

// TickArgs are the arguments of tick event.
type TickArgs struct {
	Seq uint64
	At  time.Time
}

// Ticker is the notification set used in tests.
type Ticker interface {
	proxy.NotificationSet

	OnTick() *proxy.Event[TickArgs]
	OnStop() *proxy.Event[string]
}

// ErrResetRefused is returned by LocalCalculator.Reset when resets are disabled.
var ErrResetRefused = errors.New("reset refused")

// LocalCalculator implements Calculator.
type LocalCalculator struct {
	proxy.Commands

	RefuseReset bool

	mu     sync.Mutex
	resets int
	pings  []string
}

// Add adds numbers.
func (c *LocalCalculator) Add(_ context.Context, a, b int) (int, error) {
	return a + b, nil
}

// Scale scales point.
func (c *LocalCalculator) Scale(_ context.Context, p Point, factor int) (Point, error) {
	return Point{X: p.X * factor, Y: p.Y * factor}, nil
}

// Reset counts resets.
func (c *LocalCalculator) Reset(_ context.Context) error {
	if c.RefuseReset {
		return errors.WithStack(ErrResetRefused)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.resets++
	return nil
}

// Ping records the note.
func (c *LocalCalculator) Ping(_ context.Context, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pings = append(c.pings, note)
}

// Resets returns the number of resets.
func (c *LocalCalculator) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resets
}

// Pings returns recorded notes.
func (c *LocalCalculator) Pings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string{}, c.pings...)
}

// NewLocalTicker creates ticker.
func NewLocalTicker() *LocalTicker {
	return &LocalTicker{
		onTick: proxy.NewEvent[TickArgs](),
		onStop: proxy.NewEvent[string](),
	}
}

// LocalTicker implements Ticker.
type LocalTicker struct {
	proxy.Notifications

	onTick *proxy.Event[TickArgs]
	onStop *proxy.Event[string]
}

// OnTick returns tick event.
func (t *LocalTicker) OnTick() *proxy.Event[TickArgs] {
	return t.onTick
}

// OnStop returns stop event.
func (t *LocalTicker) OnStop() *proxy.Event[string] {
	return t.onStop
}
