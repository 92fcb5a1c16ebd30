package errors

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeHandlerAlreadyRegistered = "servicebus.handler_already_registered"
	ErrCodeHandlerTypeMismatch      = "servicebus.handler_type_mismatch"
	ErrCodeMessageNameConflict      = "servicebus.message_name_conflict"
	ErrCodeBusAlreadyStarted        = "servicebus.already_started"
	ErrCodeBusNotStarted            = "servicebus.not_started"
	ErrCodeInvalidConcurrency       = "servicebus.invalid_concurrency"
	ErrCodeShutdownTimeout          = "servicebus.shutdown_timeout"
	ErrCodeHandlerPanicked          = "servicebus.handler_panicked"
	ErrCodeUnknownMessage           = "servicebus.unknown_message"
	ErrCodeTransportNotConfigured   = "servicebus.transport_not_configured"
	ErrCodeTransportClosed          = "servicebus.transport_closed"
	ErrCodeSendFailed               = "servicebus.send_failed"
	ErrCodePublishFailed            = "servicebus.publish_failed"
	ErrCodeClaimFailed              = "servicebus.claim_failed"
	ErrCodeResolveFailed            = "servicebus.resolve_failed"
	ErrCodeSerializationFailed      = "servicebus.serialization_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerAlreadyRegistered = Code(ErrCodeHandlerAlreadyRegistered)
	ErrHandlerTypeMismatch      = Code(ErrCodeHandlerTypeMismatch)
	ErrMessageNameConflict      = Code(ErrCodeMessageNameConflict)
	ErrBusAlreadyStarted        = Code(ErrCodeBusAlreadyStarted)
	ErrBusNotStarted            = Code(ErrCodeBusNotStarted)
	ErrInvalidConcurrency       = Code(ErrCodeInvalidConcurrency)
	ErrShutdownTimeout          = Code(ErrCodeShutdownTimeout)
	ErrHandlerPanicked          = Code(ErrCodeHandlerPanicked)
	ErrUnknownMessage           = Code(ErrCodeUnknownMessage)
	ErrTransportNotConfigured   = Code(ErrCodeTransportNotConfigured)
	ErrTransportClosed          = Code(ErrCodeTransportClosed)
	ErrSendFailed               = Code(ErrCodeSendFailed)
	ErrPublishFailed            = Code(ErrCodePublishFailed)
	ErrClaimFailed              = Code(ErrCodeClaimFailed)
	ErrResolveFailed            = Code(ErrCodeResolveFailed)
	ErrSerializationFailed      = Code(ErrCodeSerializationFailed)
)
