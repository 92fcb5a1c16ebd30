// Package registry maps message names to their constructor and ordered handlers.
//
// A Registry is constructed explicitly and shared by reference with the dispatcher and
// the bootstrap code. Registration is expected to finish before the bus starts; lookups
// are safe from any number of worker goroutines.
package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"sync"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

const unhandledHelp = "The message was received but no handlers are registered for it. " +
	"Register a handler for this message name, or stop routing it to this queue."

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registration
	unhandled map[string]struct{}
	logger    *slog.Logger
}

type registration struct {
	typ         reflect.Type
	constructor cbus.Constructor
	handlers    []handlerEntry
}

type handlerEntry struct {
	handler cbus.Handler
	key     any
	name    string
}

// New returns an empty registry. A nil logger discards output.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		entries:   make(map[string]*registration),
		unhandled: make(map[string]struct{}),
		logger:    logger,
	}
}

// Register binds h to the message type of sample. Registering the same handler twice
// under one message name fails with ErrHandlerAlreadyRegistered.
func (r *Registry) Register(sample cbus.Message, h cbus.Handler) error {
	if sample == nil || h == nil {
		return fmt.Errorf("register: %w", berr.ErrUnknownMessage)
	}

	name := sample.MessageName()
	typ := baseType(reflect.TypeOf(sample))
	entry := handlerEntry{handler: h, key: identity(h), name: HandlerName(h)}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[name]
	if !ok {
		reg = &registration{typ: typ, constructor: constructorFor(typ)}
		r.entries[name] = reg
	} else if reg.typ != typ {
		return fmt.Errorf("register %s: %s and %s share a name: %w", name, reg.typ, typ, berr.ErrMessageNameConflict)
	}

	for _, existing := range reg.handlers {
		if sameKey(existing.key, entry.key) {
			return fmt.Errorf("register %s handler %s: %w", name, entry.name, berr.ErrHandlerAlreadyRegistered)
		}
	}

	reg.handlers = append(reg.handlers, entry)

	r.logger.Info("handler registered",
		slog.String("messageName", name),
		slog.String("handler", entry.name))

	return nil
}

// Get returns the handlers registered for name in registration order. An unknown name
// yields an empty slice and a one-time warning for that name.
func (r *Registry) Get(name string) []cbus.Handler {
	r.mu.RLock()
	reg, ok := r.entries[name]

	if ok && len(reg.handlers) > 0 {
		out := make([]cbus.Handler, len(reg.handlers))
		for i, e := range reg.handlers {
			out[i] = e.handler
		}
		r.mu.RUnlock()

		return out
	}
	r.mu.RUnlock()

	r.warnUnhandled(name)

	return []cbus.Handler{}
}

func (r *Registry) warnUnhandled(name string) {
	r.mu.Lock()
	if _, seen := r.unhandled[name]; seen {
		r.mu.Unlock()
		return
	}
	r.unhandled[name] = struct{}{}
	r.mu.Unlock()

	r.logger.Warn("no handlers registered for message",
		slog.String("messageName", name),
		slog.String("help", unhandledHelp))
}

// MessageNames returns every registered message name, sorted.
func (r *Registry) MessageNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// MessageConstructor returns the constructor registered for name.
func (r *Registry) MessageConstructor(name string) (cbus.Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	if !ok {
		return nil, false
	}

	return reg.constructor, true
}

// HandlerNames lists the handler names bound to a message, for diagnostics.
func (r *Registry) HandlerNames(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	if !ok {
		return nil
	}

	names := make([]string, 0, len(reg.handlers))
	for _, e := range reg.handlers {
		names = append(names, e.name)
	}

	return names
}

// Reset drops all registrations and the unhandled-name memory. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*registration)
	r.unhandled = make(map[string]struct{})
}

// HandlerName reports the name used for h in logs.
func HandlerName(h cbus.Handler) string {
	if n, ok := h.(cbus.Named); ok {
		return n.HandlerName()
	}

	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func {
		return funcName(v)
	}

	return v.Type().String()
}

func funcName(v reflect.Value) string {
	if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
		return fn.Name()
	}

	return v.Type().String()
}

// keyed is implemented by handler wrappers that know their own identity.
type keyed interface {
	handlerKey() any
}

// funcKey identifies a function value by its closure object, not its code: two closures
// built from one literal are different handlers, the same value registered twice is not.
type funcKey uintptr

// deepKey wraps a handler whose type is not comparable. Such keys match by
// reflect.DeepEqual.
type deepKey struct{ v any }

// identity returns the duplicate-detection key for h.
func identity(h cbus.Handler) any {
	if k, ok := h.(keyed); ok {
		return k.handlerKey()
	}

	return valueKey(h)
}

func valueKey(x any) any {
	v := reflect.ValueOf(x)

	switch {
	case v.Kind() == reflect.Func:
		return closureKey(v)
	case v.Type().Comparable():
		return x
	default:
		return deepKey{v: x}
	}
}

// closureKey reads the closure pointer held by the func value v.
func closureKey(v reflect.Value) funcKey {
	if v.IsNil() {
		return 0
	}

	slot := reflect.New(v.Type())
	slot.Elem().Set(v)

	return funcKey(*(*uintptr)(slot.UnsafePointer()))
}

func sameKey(a, b any) (equal bool) {
	da, aDeep := a.(deepKey)
	db, bDeep := b.(deepKey)

	if aDeep || bDeep {
		return aDeep && bDeep && reflect.DeepEqual(da.v, db.v)
	}

	defer func() {
		// comparable types may still hold incomparable interface values
		if recover() != nil {
			equal = reflect.DeepEqual(a, b)
		}
	}()

	return a == b
}

func baseType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}

	return t
}

func constructorFor(t reflect.Type) cbus.Constructor {
	return func() cbus.Message {
		msg, _ := reflect.New(t).Interface().(cbus.Message)
		return msg
	}
}
