// Package sink provides the built-in consumers of channel schemas and
// frames: an in-memory sink, a sqlite database, a compressed recording
// file and an asynchronous wrapper around any of them.
package sink

import (
	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
)

// Sink is a channel.Sink that holds resources until closed.
type Sink interface {
	channel.Sink
	Close() error
}

// Open builds the sink described by cfg.
func Open(cfg Config, log logger.Logger) (Sink, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	var (
		s   Sink
		err error
	)
	switch cfg.Kind {
	case KindMemory:
		s = NewMemory("memory")
	case KindSQLite:
		s, err = NewSQLite(cfg, log)
	case KindFile:
		var tag Compression
		tag, err = ParseCompression(cfg.Compression)
		if err == nil {
			s, err = CreateFile(cfg.Path, tag, log)
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.Async {
		return NewAsync(s, cfg.QueueSize, log), nil
	}
	return s, nil
}
