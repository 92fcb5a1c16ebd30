package registry_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
	"github.com/next-trace/scg-bus-runtime/registry"
)

type userCreated struct {
	ID string `json:"id"`
}

func (userCreated) MessageName() string { return "users/user-created" }

type userDeleted struct{}

func (*userDeleted) MessageName() string { return "users/user-deleted" }

type impostor struct{}

func (impostor) MessageName() string { return "users/user-created" }

type welcomeEmail struct{ tag string }

func (welcomeEmail) Handle(context.Context, cbus.Message, cbus.Attributes) error { return nil }

type auditLog struct{}

func (auditLog) Handle(context.Context, cbus.Message, cbus.Attributes) error { return nil }
func (auditLog) HandlerName() string                                        { return "audit-log" }

type typedWelcome struct{ seen *[]string }

func (h typedWelcome) Handle(_ context.Context, m userCreated, _ cbus.Attributes) error {
	*h.seen = append(*h.seen, m.ID)
	return nil
}

func newLogged() (*registry.Registry, *bytes.Buffer) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return registry.New(logger), &buf
}

func TestRegister_DuplicateHandlerFails(t *testing.T) {
	r, _ := newLogged()

	require.NoError(t, r.Register(userCreated{}, welcomeEmail{tag: "a"}))

	err := r.Register(userCreated{}, welcomeEmail{tag: "a"})
	require.ErrorIs(t, err, berr.ErrHandlerAlreadyRegistered)

	// a distinct handler value is a different handler
	require.NoError(t, r.Register(userCreated{}, welcomeEmail{tag: "b"}))
	assert.Len(t, r.Get("users/user-created"), 2)
}

func TestRegister_DuplicateFuncFails(t *testing.T) {
	r := registry.New(nil)

	fn := cbus.HandlerFunc(func(context.Context, cbus.Message, cbus.Attributes) error { return nil })

	require.NoError(t, r.Register(userCreated{}, fn))
	require.ErrorIs(t, r.Register(userCreated{}, fn), berr.ErrHandlerAlreadyRegistered)

	// the same handler under another message name is fine
	require.NoError(t, r.Register(&userDeleted{}, fn))
}

type taggedHandler struct{ tags []string }

func (taggedHandler) Handle(context.Context, cbus.Message, cbus.Attributes) error { return nil }

func newTenantHandler(tenant string) func(context.Context, userCreated, cbus.Attributes) error {
	return func(context.Context, userCreated, cbus.Attributes) error {
		if tenant == "" {
			return errors.New("no tenant")
		}

		return nil
	}
}

func TestRegister_DistinctClosuresFromOneLiteral(t *testing.T) {
	r := registry.New(nil)

	for _, tenant := range []string{"acme", "globex"} {
		require.NoError(t, r.Register(userCreated{}, cbus.HandlerFunc(func(context.Context, cbus.Message, cbus.Attributes) error {
			if tenant == "" {
				return errors.New("no tenant")
			}

			return nil
		})), tenant)
	}

	assert.Len(t, r.Get("users/user-created"), 2)
}

func TestRegisterFunc_DistinctClosuresFromConstructor(t *testing.T) {
	r := registry.New(nil)

	acme := newTenantHandler("acme")

	require.NoError(t, registry.RegisterFunc(r, acme))
	require.NoError(t, registry.RegisterFunc(r, newTenantHandler("globex")))
	require.ErrorIs(t, registry.RegisterFunc(r, acme), berr.ErrHandlerAlreadyRegistered)

	assert.Len(t, r.Get("users/user-created"), 2)
}

func TestRegister_DuplicateIncomparableHandlerFails(t *testing.T) {
	r := registry.New(nil)

	h := taggedHandler{tags: []string{"x"}}

	require.NoError(t, r.Register(userCreated{}, h))
	require.ErrorIs(t, r.Register(userCreated{}, h), berr.ErrHandlerAlreadyRegistered)
	require.ErrorIs(t, r.Register(userCreated{}, taggedHandler{tags: []string{"x"}}), berr.ErrHandlerAlreadyRegistered)

	require.NoError(t, r.Register(userCreated{}, taggedHandler{tags: []string{"y"}}))
	assert.Len(t, r.Get("users/user-created"), 2)
}

func TestRegister_NameConflict(t *testing.T) {
	r := registry.New(nil)

	require.NoError(t, r.Register(userCreated{}, welcomeEmail{}))
	require.ErrorIs(t, r.Register(impostor{}, welcomeEmail{}), berr.ErrMessageNameConflict)
}

func TestRegister_LogsBinding(t *testing.T) {
	r, buf := newLogged()

	require.NoError(t, r.Register(userCreated{}, auditLog{}))

	out := buf.String()
	assert.Contains(t, out, "handler registered")
	assert.Contains(t, out, "messageName=users/user-created")
	assert.Contains(t, out, "handler=audit-log")
}

func TestGet_PreservesRegistrationOrder(t *testing.T) {
	r := registry.New(nil)

	first, second := welcomeEmail{tag: "1"}, welcomeEmail{tag: "2"}
	require.NoError(t, r.Register(userCreated{}, first))
	require.NoError(t, r.Register(userCreated{}, auditLog{}))
	require.NoError(t, r.Register(userCreated{}, second))

	got := r.Get("users/user-created")
	require.Len(t, got, 3)
	assert.Equal(t, first, got[0])
	assert.Equal(t, auditLog{}, got[1])
	assert.Equal(t, second, got[2])
	assert.Equal(t, []string{"registry_test.welcomeEmail", "audit-log", "registry_test.welcomeEmail"}, r.HandlerNames("users/user-created"))
}

func TestGet_UnhandledWarnsOnce(t *testing.T) {
	r, buf := newLogged()

	for range 5 {
		got := r.Get("billing/invoice-paid")
		require.NotNil(t, got)
		assert.Empty(t, got)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "no handlers registered for message"))

	r.Get("billing/invoice-voided")
	assert.Equal(t, 2, strings.Count(buf.String(), "no handlers registered for message"))
}

func TestGet_UnhandledWarnsOnceConcurrently(t *testing.T) {
	r, buf := newLogged()

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r.Get("billing/invoice-paid")
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, strings.Count(buf.String(), "no handlers registered for message"))
}

func TestMessageNamesAndConstructor(t *testing.T) {
	r := registry.New(nil)

	require.NoError(t, r.Register(userCreated{}, welcomeEmail{}))
	require.NoError(t, r.Register(&userDeleted{}, welcomeEmail{}))

	assert.Equal(t, []string{"users/user-created", "users/user-deleted"}, r.MessageNames())

	ctor, ok := r.MessageConstructor("users/user-created")
	require.True(t, ok)
	assert.IsType(t, &userCreated{}, ctor())

	ctor, ok = r.MessageConstructor("users/user-deleted")
	require.True(t, ok)
	assert.IsType(t, &userDeleted{}, ctor())

	_, ok = r.MessageConstructor("nope")
	assert.False(t, ok)
}

func TestReset_ClearsRegistrations(t *testing.T) {
	r, buf := newLogged()

	require.NoError(t, r.Register(userCreated{}, welcomeEmail{}))
	r.Get("billing/invoice-paid")

	r.Reset()

	assert.Empty(t, r.Get("users/user-created"))
	assert.Empty(t, r.MessageNames())

	// unhandled memory is cleared as well
	r.Get("billing/invoice-paid")
	assert.Equal(t, 3, strings.Count(buf.String(), "no handlers registered for message"))

	// re-registration after reset is not a duplicate
	require.NoError(t, r.Register(userCreated{}, welcomeEmail{}))
}

func TestTypedRegistration(t *testing.T) {
	r := registry.New(nil)

	var seen []string
	h := typedWelcome{seen: &seen}

	require.NoError(t, registry.Register[userCreated](r, h))

	handlers := r.Get("users/user-created")
	require.Len(t, handlers, 1)

	ctor, _ := r.MessageConstructor("users/user-created")
	msg := ctor()
	msg.(*userCreated).ID = "u-1"

	require.NoError(t, handlers[0].Handle(t.Context(), msg, cbus.Attributes{}))
	assert.Equal(t, []string{"u-1"}, seen)

	// a mismatched message type is reported, not panicked on
	err := handlers[0].Handle(t.Context(), &userDeleted{}, cbus.Attributes{})
	require.ErrorIs(t, err, berr.ErrHandlerTypeMismatch)
}

func TestTypedFuncRegistration(t *testing.T) {
	r := registry.New(nil)

	calls := 0
	fn := func(_ context.Context, m *userDeleted, _ cbus.Attributes) error {
		calls++
		if m == nil {
			return errors.New("nil message")
		}
		return nil
	}

	require.NoError(t, registry.RegisterFunc(r, fn))
	require.ErrorIs(t, registry.RegisterFunc(r, fn), berr.ErrHandlerAlreadyRegistered)

	handlers := r.Get("users/user-deleted")
	require.Len(t, handlers, 1)
	require.NoError(t, handlers[0].Handle(t.Context(), &userDeleted{}, cbus.Attributes{}))
	assert.Equal(t, 1, calls)
	assert.Contains(t, registry.HandlerName(handlers[0]), "TestTypedFuncRegistration")
}

func TestAs(t *testing.T) {
	v, ok := registry.As[userCreated](&userCreated{ID: "x"})
	require.True(t, ok)
	assert.Equal(t, "x", v.ID)

	p, ok := registry.As[*userDeleted](&userDeleted{})
	require.True(t, ok)
	assert.NotNil(t, p)

	_, ok = registry.As[userCreated](&userDeleted{})
	assert.False(t, ok)
}
