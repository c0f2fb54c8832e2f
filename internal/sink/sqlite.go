package sink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/schema"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

type pendingFrame struct {
	channel   string
	version   uint32
	timestamp int64
	data      []byte
}

// SQLite stores schemas and frames in a sqlite database, one session per
// sink instance. Schemas are written immediately; frames are buffered and
// written in batches of BatchSize, or every BatchTimeout. A batch that
// fails to commit is dropped rather than retried, so no frame is stored
// twice and the buffer stays bounded by BatchSize.
type SQLite struct {
	db      *sql.DB
	path    string
	session ulid.ULID
	log     logger.Logger
	cfg     Config

	mu            sync.Mutex
	buffer        []pendingFrame
	dropped       uint64
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closed        bool
}

// NewSQLite opens (or creates) the database at cfg.Path and starts a new
// session in it.
func NewSQLite(cfg Config, log logger.Logger) (*SQLite, error) {
	errFactory := errors.New()

	if cfg.Path == "" {
		return nil, errFactory.New(ErrInvalidPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	dsn := cfg.Path + "?_journal=WAL&_auto_vacuum=2&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	ctx := context.Background()
	if err := ValidateAndUpdateSchema(ctx, db, cfg.Path, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	now := time.Now()
	session, err := newSession(now)
	if err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}
	if _, err := db.ExecContext(ctx, insertSessionSQL, session.String(), now.UnixNano()); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "start_session",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.Path).
		Str("session", session.String()).
		Int("store_version", StoreVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("SQLite sink initialized")

	s := &SQLite{
		db:            db,
		path:          cfg.Path,
		session:       session,
		log:           log,
		cfg:           cfg,
		buffer:        make([]pendingFrame, 0, max(cfg.BatchSize, 1)),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		s.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go s.flusher()
	} else {
		close(s.flushDoneChan)
	}

	return s, nil
}

func (s *SQLite) Name() string { return "sqlite:" + s.path }

// Session returns the identifier of the session this sink writes.
func (s *SQLite) Session() ulid.ULID { return s.session }

func (s *SQLite) OnSchema(ctx context.Context, sc *schema.Schema) error {
	body, err := schema.Marshal(sc)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, insertSchemaSQL,
		s.session.String(), sc.Channel, int64(sc.Version), int64(sc.Hash), body, sc.String())
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	s.log.Debug().
		Str("channel", sc.Channel).
		Uint32("version", sc.Version).
		Msg("Schema stored")
	return nil
}

func (s *SQLite) OnFrame(_ context.Context, f schema.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New().WithMessage(ErrClosed, s.Name())
	}

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	s.buffer = append(s.buffer, pendingFrame{
		channel:   f.Channel,
		version:   f.Version(),
		timestamp: f.Timestamp.UnixNano(),
		data:      data,
	})

	if len(s.buffer) >= s.cfg.BatchSize {
		return s.flush()
	}
	return nil
}

// Flush writes buffered frames now.
func (s *SQLite) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal the flusher goroutine to stop and wait for its final flush
	close(s.shutdownChan)
	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}
	<-s.flushDoneChan

	s.mu.Lock()
	err := s.flush()
	s.mu.Unlock()
	if err != nil {
		s.db.Close()
		return errors.New().Wrap(ErrStorageClose, err)
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.db.Close()
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := s.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.log.Info().Str("path", s.path).Msg("SQLite sink closed")
	return nil
}

func (s *SQLite) flusher() {
	defer close(s.flushDoneChan)

	for {
		select {
		case <-s.flushTicker.C:
			s.mu.Lock()
			if err := s.flush(); err != nil {
				s.log.Error().Err(err).Msg("Periodic flush failed")
			}
			s.mu.Unlock()
		case <-s.shutdownChan:
			return
		}
	}
}

// Dropped returns the number of frames lost to failed flushes.
func (s *SQLite) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// flush writes the buffer in one transaction and empties it, whether or not
// the write succeeded. Caller holds s.mu.
func (s *SQLite) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	err := s.writeBatch()
	if err != nil {
		s.dropped += uint64(len(s.buffer))
		s.log.Error().
			Err(err).
			Int("frames", len(s.buffer)).
			Uint64("dropped_total", s.dropped).
			Msg("Dropped frames after failed flush")
	}
	s.buffer = s.buffer[:0]
	return err
}

func (s *SQLite) writeBatch() error {
	errFactory := errors.New()

	tx, err := s.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertFrameSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			s.log.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	session := s.session.String()
	for _, f := range s.buffer {
		if _, err := stmt.Exec(session, f.channel, int64(f.version), f.timestamp, f.data); err != nil {
			if err := tx.Rollback(); err != nil {
				s.log.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	s.log.Debug().Int("frames", len(s.buffer)).Msg("Flushed frames to database")
	return nil
}

// Book loads every schema stored for this session.
func (s *SQLite) Book(ctx context.Context) (*schema.Book, error) {
	rows, err := s.db.QueryContext(ctx, selectSchemasSQL, s.session.String())
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	book := schema.NewBook()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		sc, err := schema.Unmarshal(body)
		if err != nil {
			return nil, err
		}
		book.Add(sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	return book, nil
}

// Records decodes the stored frames of channel in capture order. Buffered
// frames that have not been flushed are not included.
func (s *SQLite) Records(ctx context.Context, channel string) ([]schema.Record, error) {
	book, err := s.Book(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectFramesSQL, s.session.String(), channel)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		rec, err := book.Decode(channel, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	return out, nil
}
