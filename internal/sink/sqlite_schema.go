package sink

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
)

const (
	StoreVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS sessions (
	       id          TEXT PRIMARY KEY,
	       started_at  INTEGER NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS schemas (
	       session     TEXT NOT NULL REFERENCES sessions(id),
	       channel     TEXT NOT NULL,
	       version     INTEGER NOT NULL CHECK (typeof(version) = 'integer'),
	       hash        INTEGER NOT NULL,
	       body        BLOB NOT NULL,
	       description TEXT NOT NULL,
	       PRIMARY KEY (session, channel, version)
	   );
	   CREATE TABLE IF NOT EXISTS frames (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       session     TEXT NOT NULL REFERENCES sessions(id),
	       channel     TEXT NOT NULL,
	       version     INTEGER NOT NULL CHECK (typeof(version) = 'integer'),
	       timestamp   INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       data        BLOB NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS frames_by_channel ON frames (session, channel, id);`

	insertSessionSQL = `
    INSERT INTO sessions (id, started_at) VALUES (?, ?)`

	insertSchemaSQL = `
    INSERT OR REPLACE INTO schemas (
        session, channel, version, hash, body, description
    ) VALUES (?, ?, ?, ?, ?, ?)`

	insertFrameSQL = `
    INSERT INTO frames (
        session, channel, version, timestamp, data
    ) VALUES (?, ?, ?, ?, ?)`

	selectSchemasSQL = `
    SELECT body FROM schemas WHERE session = ? ORDER BY channel, version`

	selectFramesSQL = `
    SELECT data FROM frames WHERE session = ? AND channel = ? ORDER BY id`
)

// InitSchema creates the tables and records StoreVersion.
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, StoreVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", StoreVersion).
		Msg("Database schema initialized")

	return nil
}

// GetStoreVersion returns the recorded database schema version, or 0 for
// an empty database.
func GetStoreVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists.
func TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
