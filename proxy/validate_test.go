package proxy

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y int
}

type validCommands interface {
	CommandSet

	Get(ctx context.Context, key string) (point, error)
	Set(ctx context.Context, key string, p point, at time.Time) error
	Notify(ctx context.Context, values map[string][]int)
}

type validNotifications interface {
	NotificationSet

	OnChange() *Event[point]
	OnRemove() *Event[string]
}

type notInterface struct {
	Commands
}

type noCommandMarker interface {
	Get(ctx context.Context) error
}

type withProperty interface {
	CommandSet

	Value() int
}

type withEvent interface {
	CommandSet

	OnChange() *Event[int]
}

type withPointerParam interface {
	CommandSet

	Set(ctx context.Context, p *point) error
}

type pointerField struct {
	P *point
}

type withNestedPointerParam interface {
	CommandSet

	Set(ctx context.Context, v pointerField) error
}

type withPointerSliceResult interface {
	CommandSet

	Get(ctx context.Context) ([]*point, error)
}

type withChanParam interface {
	CommandSet

	Set(ctx context.Context, ch chan int) error
}

type withInterfaceParam interface {
	CommandSet

	Set(ctx context.Context, v any) error
}

type withFuncResult interface {
	CommandSet

	Get(ctx context.Context) (func(), error)
}

type withVariadic interface {
	CommandSet

	Set(ctx context.Context, values ...int) error
}

type withoutError interface {
	CommandSet

	Get(ctx context.Context) int
}

type genericCommands[T any] interface {
	CommandSet

	Set(ctx context.Context, v T) error
}

type bothMarkers interface {
	CommandSet
	NotificationSet

	OnChange() *Event[int]
}

type noNotificationMarker interface {
	OnChange() *Event[int]
}

type withMethod interface {
	NotificationSet

	OnChange() *Event[int]
	Get(ctx context.Context) error
}

type withoutEvents interface {
	NotificationSet
}

type withBadArgs interface {
	NotificationSet

	OnChange() *Event[chan int]
}

type withEventParam interface {
	NotificationSet

	OnChange(key string) *Event[int]
}

func TestValidCommandSet(t *testing.T) {
	requireT := require.New(t)

	desc, err := CommandSetOf(TypeOf[validCommands]())
	requireT.NoError(err)
	requireT.Equal("validCommands", desc.Serialized.Name)
	requireT.Equal("github.com/outofforest/parley/proxy", desc.Serialized.Package)
	requireT.Len(desc.Methods, 3)

	requireT.Equal(MethodDescriptor{
		Name:   "Get",
		Params: []reflect.Type{reflect.TypeOf("")},
		Result: reflect.TypeOf(point{}),
	}, desc.Methods["Get"])
	requireT.Nil(desc.Methods["Set"].Result)
	requireT.False(desc.Methods["Set"].OneWay)
	requireT.Len(desc.Methods["Set"].Params, 3)
	requireT.True(desc.Methods["Notify"].OneWay)

	desc2, err := CommandSetOf(TypeOf[validCommands]())
	requireT.NoError(err)
	requireT.Same(desc, desc2)
}

func TestValidNotificationSet(t *testing.T) {
	requireT := require.New(t)

	desc, err := NotificationSetOf(TypeOf[validNotifications]())
	requireT.NoError(err)
	requireT.Equal(map[string]EventDescriptor{
		"OnChange": {Name: "OnChange", Args: reflect.TypeOf(point{})},
		"OnRemove": {Name: "OnRemove", Args: reflect.TypeOf("")},
	}, desc.Events)
}

func TestInvalidCommandSets(t *testing.T) {
	for _, typ := range []reflect.Type{
		TypeOf[notInterface](),
		TypeOf[noCommandMarker](),
		TypeOf[CommandSet](),
		TypeOf[interface{ CommandSet }](),
		TypeOf[withProperty](),
		TypeOf[withEvent](),
		TypeOf[withPointerParam](),
		TypeOf[withNestedPointerParam](),
		TypeOf[withPointerSliceResult](),
		TypeOf[withChanParam](),
		TypeOf[withInterfaceParam](),
		TypeOf[withFuncResult](),
		TypeOf[withVariadic](),
		TypeOf[withoutError](),
		TypeOf[genericCommands[int]](),
		TypeOf[bothMarkers](),
		TypeOf[validNotifications](),
	} {
		t.Run(typ.String(), func(t *testing.T) {
			requireT := require.New(t)

			desc, err := CommandSetOf(typ)
			requireT.ErrorIs(err, ErrInvalidCommandSet)
			requireT.Nil(desc)
		})
	}
}

func TestInvalidNotificationSets(t *testing.T) {
	for _, typ := range []reflect.Type{
		TypeOf[notInterface](),
		TypeOf[noNotificationMarker](),
		TypeOf[withMethod](),
		TypeOf[withoutEvents](),
		TypeOf[withBadArgs](),
		TypeOf[withEventParam](),
		TypeOf[bothMarkers](),
		TypeOf[validCommands](),
	} {
		t.Run(typ.String(), func(t *testing.T) {
			requireT := require.New(t)

			desc, err := NotificationSetOf(typ)
			requireT.ErrorIs(err, ErrInvalidNotificationSet)
			requireT.Nil(desc)
		})
	}
}

func TestSerializable(t *testing.T) {
	requireT := require.New(t)

	type recursive struct {
		Children []recursive
	}
	type withPointer struct {
		Parent *recursive
	}
	type withFunc struct {
		Fn func()
	}
	type withHidden struct {
		Value  int
		hidden chan int
	}

	requireT.True(isSerializable(reflect.TypeOf(recursive{})))
	requireT.True(isSerializable(reflect.TypeOf(withHidden{})))
	requireT.True(isSerializable(reflect.TypeOf([4]byte{})))
	requireT.True(isSerializable(reflect.TypeOf(time.Time{})))
	requireT.False(isSerializable(reflect.TypeOf(withFunc{})))
	requireT.False(isSerializable(reflect.TypeOf(withPointer{})))
	requireT.False(isSerializable(reflect.TypeOf([]*point{})))
	requireT.False(isSerializable(reflect.TypeOf(map[string]*point{})))
	requireT.False(isSerializable(reflect.TypeOf(complex64(0))))
	requireT.False(isSerializable(reflect.TypeOf(map[string]any{})))
}
