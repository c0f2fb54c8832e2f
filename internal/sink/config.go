package sink

import (
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644

	defaultBatchSize    = 64
	defaultBatchTimeout = 5 * time.Second
	defaultQueueSize    = 1024
	defaultBlockSize    = 64 << 10
)

// Kind selects the sink implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Config describes the sink a recorder writes to.
type Config struct {
	Kind        Kind
	Path        string
	Compression string

	// BatchSize and BatchTimeout bound how long sqlite frames stay buffered.
	BatchSize    int
	BatchTimeout time.Duration

	// Async decouples delivery from the recording goroutine through a
	// bounded queue of QueueSize entries.
	Async     bool
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Kind:         KindFile,
		Path:         "/var/lib/tamer/recording.tamer",
		Compression:  CompressionZstd.String(),
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		QueueSize:    defaultQueueSize,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch c.Kind {
	case KindFile, KindSQLite:
		if c.Path == "" {
			return errFactory.WithData(ErrInvalidPath, c.Kind)
		}
	case KindMemory:
	default:
		return errFactory.WithData(ErrUnknownKind, c.Kind)
	}

	if _, err := ParseCompression(c.Compression); err != nil {
		return err
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "batch size and timeout must not be negative")
	}
	if c.Async && c.QueueSize <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "async sink needs a positive queue size")
	}
	return nil
}
