package proxy

import (
	"context"
	"reflect"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/outofforest/parley/wire"
)

const descriptorCacheSize = 256

var (
	// ErrInvalidCommandSet is returned if type is not a valid command set.
	ErrInvalidCommandSet = errors.New("not a valid command set")

	// ErrInvalidNotificationSet is returned if type is not a valid notification set.
	ErrInvalidNotificationSet = errors.New("not a valid notification set")
)

// CommandSet is the marker embedded by every command set interface.
type CommandSet interface {
	isCommandSet()
}

// Commands is embedded by implementations of command sets.
type Commands struct{}

func (Commands) isCommandSet() {}

// NotificationSet is the marker embedded by every notification set interface.
type NotificationSet interface {
	isNotificationSet()
}

// Notifications is embedded by implementations of notification sets.
type Notifications struct{}

func (Notifications) isNotificationSet() {}

var (
	commandSetType      = reflect.TypeOf((*CommandSet)(nil)).Elem()
	notificationSetType = reflect.TypeOf((*NotificationSet)(nil)).Elem()
	anyEventType        = reflect.TypeOf((*AnyEvent)(nil)).Elem()
	contextType         = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType           = reflect.TypeOf((*error)(nil)).Elem()
	timeType            = reflect.TypeOf(time.Time{})
)

// MethodDescriptor describes method of a command set.
type MethodDescriptor struct {
	Name   string
	Params []reflect.Type

	// Result is the type of the returned value, nil if method returns no value.
	Result reflect.Type

	// OneWay is true if method returns nothing, so caller doesn't wait for completion.
	OneWay bool
}

// CommandSetDescriptor describes validated command set.
type CommandSetDescriptor struct {
	Type       reflect.Type
	Serialized wire.SerializedType
	Methods    map[string]MethodDescriptor
}

// EventDescriptor describes event of a notification set.
type EventDescriptor struct {
	Name string
	Args reflect.Type
}

// NotificationSetDescriptor describes validated notification set.
type NotificationSetDescriptor struct {
	Type       reflect.Type
	Serialized wire.SerializedType
	Events     map[string]EventDescriptor
}

type cachedDescriptor struct {
	desc any
	err  error
}

var descriptors = func() *lru.Cache {
	c, err := lru.New(descriptorCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}()

// TypeOf returns reflected type of T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// SerializedTypeOf returns the name under which the type travels over the wire.
func SerializedTypeOf(t reflect.Type) wire.SerializedType {
	return wire.SerializedType{
		Package: t.PkgPath(),
		Name:    t.Name(),
	}
}

// CommandSetOf validates the command set and returns its descriptor.
func CommandSetOf(t reflect.Type) (*CommandSetDescriptor, error) {
	type key struct{ reflect.Type }

	if cached, ok := descriptors.Get(key{t}); ok {
		c := cached.(cachedDescriptor)
		if c.err != nil {
			return nil, c.err
		}
		return c.desc.(*CommandSetDescriptor), nil
	}

	desc, err := commandSetOf(t)
	descriptors.Add(key{t}, cachedDescriptor{desc: desc, err: err})
	return desc, err
}

// NotificationSetOf validates the notification set and returns its descriptor.
func NotificationSetOf(t reflect.Type) (*NotificationSetDescriptor, error) {
	type key struct{ reflect.Type }

	if cached, ok := descriptors.Get(key{t}); ok {
		c := cached.(cachedDescriptor)
		if c.err != nil {
			return nil, c.err
		}
		return c.desc.(*NotificationSetDescriptor), nil
	}

	desc, err := notificationSetOf(t)
	descriptors.Add(key{t}, cachedDescriptor{desc: desc, err: err})
	return desc, err
}

func commandSetOf(t reflect.Type) (*CommandSetDescriptor, error) {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalidCommandSet, "%s: "+format, append([]any{t}, args...)...)
	}

	if err := checkSetType(t, commandSetType, notificationSetType); err != "" {
		return nil, invalid("%s", err)
	}

	desc := &CommandSetDescriptor{
		Type:       t,
		Serialized: SerializedTypeOf(t),
		Methods:    map[string]MethodDescriptor{},
	}
	for i := range t.NumMethod() {
		m := t.Method(i)
		if !m.IsExported() {
			if m.Name == "isCommandSet" {
				continue
			}
			return nil, invalid("unexported method %s", m.Name)
		}

		mt := m.Type
		if mt.NumOut() == 1 && isEvent(mt.Out(0)) {
			return nil, invalid("event %s is not allowed", m.Name)
		}
		if mt.NumIn() == 0 || mt.In(0) != contextType {
			return nil, invalid("method %s must accept context as the first parameter", m.Name)
		}
		if mt.IsVariadic() {
			return nil, invalid("method %s is variadic", m.Name)
		}

		md := MethodDescriptor{Name: m.Name}
		for j := 1; j < mt.NumIn(); j++ {
			p := mt.In(j)
			if p.Kind() == reflect.Pointer {
				return nil, invalid("parameter %d of method %s is passed by reference", j, m.Name)
			}
			if !isSerializable(p) {
				return nil, invalid("parameter %d of method %s is not serializable", j, m.Name)
			}
			md.Params = append(md.Params, p)
		}

		switch mt.NumOut() {
		case 0:
			md.OneWay = true
		case 1:
			if mt.Out(0) != errorType {
				return nil, invalid("method %s must return error", m.Name)
			}
		case 2:
			r := mt.Out(0)
			if mt.Out(1) != errorType {
				return nil, invalid("method %s must return error as the last result", m.Name)
			}
			if r.Kind() == reflect.Pointer || !isSerializable(r) {
				return nil, invalid("result of method %s is not serializable", m.Name)
			}
			md.Result = r
		default:
			return nil, invalid("method %s returns too many results", m.Name)
		}

		desc.Methods[m.Name] = md
	}

	return desc, nil
}

func notificationSetOf(t reflect.Type) (*NotificationSetDescriptor, error) {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalidNotificationSet, "%s: "+format, append([]any{t}, args...)...)
	}

	if err := checkSetType(t, notificationSetType, commandSetType); err != "" {
		return nil, invalid("%s", err)
	}

	desc := &NotificationSetDescriptor{
		Type:       t,
		Serialized: SerializedTypeOf(t),
		Events:     map[string]EventDescriptor{},
	}
	for i := range t.NumMethod() {
		m := t.Method(i)
		if !m.IsExported() {
			if m.Name == "isNotificationSet" {
				continue
			}
			return nil, invalid("unexported method %s", m.Name)
		}

		mt := m.Type
		if mt.NumIn() != 0 || mt.NumOut() != 1 || !isEvent(mt.Out(0)) {
			return nil, invalid("method %s is not an event", m.Name)
		}

		args := reflect.New(mt.Out(0).Elem()).Interface().(AnyEvent).ArgsType()
		if args.Kind() == reflect.Pointer || !isSerializable(args) {
			return nil, invalid("arguments of event %s are not serializable", m.Name)
		}

		desc.Events[m.Name] = EventDescriptor{
			Name: m.Name,
			Args: args,
		}
	}

	if len(desc.Events) == 0 {
		return nil, invalid("no events")
	}

	return desc, nil
}

func checkSetType(t, marker, otherMarker reflect.Type) string {
	switch {
	case t == nil:
		return "nil type"
	case t.Kind() != reflect.Interface:
		return "not an interface"
	case t.Name() == "":
		return "unnamed interface"
	case strings.Contains(t.Name(), "["):
		return "generic interface"
	case t == marker:
		return "marker itself"
	case !t.Implements(marker):
		return "marker not embedded"
	case t.Implements(otherMarker):
		return "both markers embedded"
	default:
		return ""
	}
}

func isEvent(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer && t.Implements(anyEventType)
}

func isSerializable(t reflect.Type) bool {
	return serializable(t, map[reflect.Type]bool{})
}

func serializable(t reflect.Type, visited map[reflect.Type]bool) bool {
	if t == timeType {
		return true
	}
	if visited[t] {
		return true
	}
	visited[t] = true

	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	case reflect.Array, reflect.Slice:
		return serializable(t.Elem(), visited)
	case reflect.Map:
		return serializable(t.Key(), visited) && serializable(t.Elem(), visited)
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if !serializable(f.Type, visited) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
