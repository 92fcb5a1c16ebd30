package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func (orderPlaced) MessageName() string { return "orders/order-placed" }

func TestMarshalDecodeRoundTrip(t *testing.T) {
	attrs := cbus.Attributes{
		CorrelationID:    "c-1",
		Attributes:       map[string]string{"tenant": "acme"},
		StickyAttributes: map[string]string{"trace": "t-9"},
	}

	env, raw, err := codec.Marshal(orderPlaced{OrderID: "o-1", Total: 42}, attrs)
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)

	name, ok := codec.PeekName(raw)
	require.True(t, ok)
	assert.Equal(t, "orders/order-placed", name)

	got, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Name, got.Name)
	assert.Equal(t, attrs, got.Attributes)

	msg, err := codec.DecodeMessage(got, func() cbus.Message { return &orderPlaced{} })
	require.NoError(t, err)
	assert.Equal(t, &orderPlaced{OrderID: "o-1", Total: 42}, msg)
}

func TestNewEnvelopeClonesAttributes(t *testing.T) {
	attrs := cbus.Attributes{Attributes: map[string]string{"k": "v"}}

	env, err := codec.NewEnvelope(orderPlaced{}, attrs)
	require.NoError(t, err)

	attrs.Attributes["k"] = "changed"
	assert.Equal(t, "v", env.Attributes.Attributes["k"])
}

func TestDecodeRejectsInvalidInput(t *testing.T) {
	_, err := codec.Decode([]byte("{not json"))
	require.ErrorIs(t, err, berr.ErrSerializationFailed)

	_, err = codec.Decode([]byte(`{"id":"1","body":{}}`))
	require.ErrorIs(t, err, berr.ErrSerializationFailed)

	_, ok := codec.PeekName([]byte(`{"name":5}`))
	assert.False(t, ok)
}

func TestDecodeMessageErrors(t *testing.T) {
	env := cbus.Envelope{Name: "orders/order-placed", Body: []byte(`{"total":"nope"}`)}

	_, err := codec.DecodeMessage(env, nil)
	require.ErrorIs(t, err, berr.ErrUnknownMessage)

	_, err = codec.DecodeMessage(env, func() cbus.Message { return &orderPlaced{} })
	require.ErrorIs(t, err, berr.ErrSerializationFailed)

	msg, err := codec.DecodeMessage(cbus.Envelope{Name: "x"}, func() cbus.Message { return &orderPlaced{} })
	require.NoError(t, err)
	assert.Equal(t, &orderPlaced{}, msg)
}
