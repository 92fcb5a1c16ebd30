// Package codec converts messages to and from the JSON envelope every transport carries.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Wire field paths.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldBody       = "body"
	fieldAttributes = "attributes"
	fieldSeenCount  = "seenCount"
)

// NewEnvelope serializes msg and wraps it with a fresh id.
func NewEnvelope(msg cbus.Message, attrs cbus.Attributes) (cbus.Envelope, error) {
	if msg == nil {
		return cbus.Envelope{}, fmt.Errorf("codec envelope: %w", berr.ErrSerializationFailed)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return cbus.Envelope{}, fmt.Errorf("codec envelope %s: %w", msg.MessageName(), errors.Join(berr.ErrSerializationFailed, err))
	}

	return cbus.Envelope{
		ID:         uuid.NewString(),
		Name:       msg.MessageName(),
		Body:       body,
		Attributes: attrs.Clone(),
	}, nil
}

// Encode renders an envelope to bytes.
func Encode(env cbus.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec encode %s: %w", env.Name, errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// Marshal is NewEnvelope followed by Encode.
func Marshal(msg cbus.Message, attrs cbus.Attributes) (cbus.Envelope, []byte, error) {
	env, err := NewEnvelope(msg, attrs)
	if err != nil {
		return cbus.Envelope{}, nil, err
	}

	raw, err := Encode(env)
	if err != nil {
		return cbus.Envelope{}, nil, err
	}

	return env, raw, nil
}

// Decode parses the envelope fields without decoding the body, which stays raw until a
// constructor for the message name is known.
func Decode(raw []byte) (cbus.Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return cbus.Envelope{}, fmt.Errorf("codec decode: %w", berr.ErrSerializationFailed)
	}

	res := gjson.GetManyBytes(raw, fieldID, fieldName, fieldBody, fieldAttributes, fieldSeenCount)

	name := res[1].String()
	if name == "" {
		return cbus.Envelope{}, fmt.Errorf("codec decode: missing name: %w", berr.ErrSerializationFailed)
	}

	env := cbus.Envelope{
		ID:        res[0].String(),
		Name:      name,
		SeenCount: int(res[4].Int()),
	}

	if res[2].Exists() {
		env.Body = json.RawMessage(res[2].Raw)
	}

	if res[3].Exists() {
		if err := json.Unmarshal([]byte(res[3].Raw), &env.Attributes); err != nil {
			return cbus.Envelope{}, fmt.Errorf("codec decode %s attributes: %w", name, errors.Join(berr.ErrSerializationFailed, err))
		}
	}

	return env, nil
}

// PeekName reads only the message name from an encoded envelope.
func PeekName(raw []byte) (string, bool) {
	r := gjson.GetBytes(raw, fieldName)
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}

	return r.String(), true
}

// DecodeMessage unmarshals the envelope body into a value produced by ctor.
func DecodeMessage(env cbus.Envelope, ctor cbus.Constructor) (cbus.Message, error) {
	if ctor == nil {
		return nil, fmt.Errorf("codec decode %s: %w", env.Name, berr.ErrUnknownMessage)
	}

	msg := ctor()
	if len(env.Body) == 0 {
		return msg, nil
	}

	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("codec decode %s body: %w", env.Name, errors.Join(berr.ErrSerializationFailed, err))
	}

	return msg, nil
}
