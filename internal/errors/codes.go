package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"

	// Type catalog errors
	ErrTypeConflict      ErrorCode = "type_conflict"
	ErrUnknownType       ErrorCode = "unknown_type"
	ErrInvalidDescriptor ErrorCode = "invalid_descriptor"

	// Channel errors
	ErrDuplicateName  ErrorCode = "duplicate_name"
	ErrInvalidHandle  ErrorCode = "invalid_handle"
	ErrInvalidName    ErrorCode = "invalid_name"
	ErrSourceMismatch ErrorCode = "source_mismatch"
	ErrRegistryClosed ErrorCode = "registry_closed"
	ErrSinkDelivery   ErrorCode = "sink_delivery_failed"
	ErrFrameSize      ErrorCode = "frame_size_mismatch"
	ErrUnknownSchema  ErrorCode = "unknown_schema"
	ErrSchemaEncoding ErrorCode = "schema_encoding_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrInvalidConfig:     "Invalid configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read config file",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrOperationFailed:   "Operation failed",
	ErrTimeout:           "Operation timed out",
	ErrTypeConflict:      "Type identifier already registered with a different layout",
	ErrUnknownType:       "Unknown type identifier",
	ErrInvalidDescriptor: "Invalid type descriptor",
	ErrDuplicateName:     "Value name already registered",
	ErrInvalidHandle:     "Handle is not registered in this channel",
	ErrInvalidName:       "Invalid value name",
	ErrSourceMismatch:    "Value source does not match the type layout",
	ErrRegistryClosed:    "Channel registry is closed",
	ErrSinkDelivery:      "Sink delivery failed",
	ErrFrameSize:         "Frame length does not match its schema",
	ErrUnknownSchema:     "No schema known for frame",
	ErrSchemaEncoding:    "Failed to encode schema",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
