package dispatcher

// Outcome is the result of handling one claimed message.
type Outcome int

const (
	// OutcomeHandled means every handler succeeded. The message is deleted.
	OutcomeHandled Outcome = iota
	// OutcomeUnhandled means no handler is registered. The message is deleted.
	OutcomeUnhandled
	// OutcomeFailed means decoding or at least one handler failed. The message is retried.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnhandled:
		return "unhandled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
