package bus

// HookEvent names a point of the bus lifecycle that listeners can observe.
type HookEvent string

const (
	HookSend    HookEvent = "send"
	HookPublish HookEvent = "publish"
	// HookError fires when a handler fails and the message is returned for retry.
	HookError HookEvent = "error"
)

// Valid reports whether e is a known hook event.
func (e HookEvent) Valid() bool {
	switch e {
	case HookSend, HookPublish, HookError:
		return true
	default:
		return false
	}
}
