package sink

import "codeberg.org/mutker/tamer/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig      = errors.ErrInvalidConfig
	ErrInvalidPath        = errors.ErrorCode("sink_invalid_path")
	ErrUnknownKind        = errors.ErrorCode("sink_unknown_kind")
	ErrUnknownCompression = errors.ErrorCode("sink_unknown_compression")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("sink_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("sink_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("sink_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("sink_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("sink_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Recording file Errors
	ErrBadHeader     = errors.ErrorCode("sink_bad_header")
	ErrCorruptBlock  = errors.ErrorCode("sink_corrupt_block")
	ErrCorruptRecord = errors.ErrorCode("sink_corrupt_record")

	// Delivery Errors
	ErrQueueFull = errors.ErrorCode("sink_queue_full")
	ErrClosed    = errors.ErrorCode("sink_closed")
)
