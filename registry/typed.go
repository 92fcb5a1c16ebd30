package registry

import (
	"context"
	"fmt"
	"reflect"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// TypedHandler handles messages of type M.
// Implementations must be safe for concurrent use by multiple goroutines.
type TypedHandler[M cbus.Message] interface {
	Handle(ctx context.Context, msg M, attrs cbus.Attributes) error
}

// Register binds a typed handler for message type M. Duplicate bindings are rejected.
func Register[M cbus.Message](r *Registry, h TypedHandler[M]) error {
	var zero M

	if h == nil {
		return fmt.Errorf("register %T: %w", zero, berr.ErrUnknownMessage)
	}

	return r.Register(sampleOf(zero), typedHandler[M]{h: h})
}

// RegisterFunc binds a typed function for message type M.
func RegisterFunc[M cbus.Message](r *Registry, fn func(ctx context.Context, msg M, attrs cbus.Attributes) error) error {
	var zero M

	if fn == nil {
		return fmt.Errorf("register %T: %w", zero, berr.ErrUnknownMessage)
	}

	return r.Register(sampleOf(zero), typedFunc[M]{fn: fn})
}

// sampleOf turns a possibly nil pointer zero value into something whose MessageName can
// be called.
func sampleOf[M cbus.Message](zero M) cbus.Message {
	t := reflect.TypeFor[M]()
	if t.Kind() == reflect.Pointer {
		msg, _ := reflect.New(t.Elem()).Interface().(cbus.Message)
		return msg
	}

	return zero
}

// As converts a decoded message to M. Decoded values arrive as pointers, so value types
// are dereferenced.
func As[M cbus.Message](msg cbus.Message) (M, bool) {
	if m, ok := msg.(M); ok {
		return m, true
	}

	if rv := reflect.ValueOf(msg); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		if m, ok := rv.Elem().Interface().(M); ok {
			return m, true
		}
	}

	var zero M

	return zero, false
}

type typedHandler[M cbus.Message] struct{ h TypedHandler[M] }

func (t typedHandler[M]) Handle(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	m, ok := As[M](msg)
	if !ok {
		return fmt.Errorf("handle %T: %w", msg, berr.ErrHandlerTypeMismatch)
	}

	return t.h.Handle(ctx, m, attrs)
}

func (t typedHandler[M]) HandlerName() string {
	if n, ok := t.h.(cbus.Named); ok {
		return n.HandlerName()
	}

	return reflect.TypeOf(t.h).String()
}

func (t typedHandler[M]) handlerKey() any {
	return valueKey(t.h)
}

type typedFunc[M cbus.Message] struct {
	fn func(ctx context.Context, msg M, attrs cbus.Attributes) error
}

func (t typedFunc[M]) Handle(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	m, ok := As[M](msg)
	if !ok {
		return fmt.Errorf("handle %T: %w", msg, berr.ErrHandlerTypeMismatch)
	}

	return t.fn(ctx, m, attrs)
}

func (t typedFunc[M]) HandlerName() string {
	return funcName(reflect.ValueOf(t.fn))
}

func (t typedFunc[M]) handlerKey() any {
	return closureKey(reflect.ValueOf(t.fn))
}
