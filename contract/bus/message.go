package bus

// Message is any value carrying a stable type name. The name is the routing key used by
// the registry and must be unique per message type.
type Message interface {
	MessageName() string
}

// Attributes travel alongside a message.
//
// StickyAttributes are copied onto every message sent or published while handling a
// message that carries them. CorrelationID is propagated the same way.
type Attributes struct {
	CorrelationID    string            `json:"correlationId,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	StickyAttributes map[string]string `json:"stickyAttributes,omitempty"`
}

// Clone returns a deep copy so callers can mutate maps without affecting the original.
func (a Attributes) Clone() Attributes {
	return Attributes{
		CorrelationID:    a.CorrelationID,
		Attributes:       cloneMap(a.Attributes),
		StickyAttributes: cloneMap(a.StickyAttributes),
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// Constructor allocates a fresh decode target for a message type. The returned value is
// always a pointer so it can be unmarshalled into.
type Constructor func() Message
