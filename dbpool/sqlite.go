package dbpool

import (
	"database/sql"
	"fmt"
	"time"
)

// openSQLite opens a SQLite database with retry logic.
// WAL mode gives better concurrency for the local warehouse files, but
// SQLITE_BUSY can still surface on Windows during concurrent pipeline runs.
//
// NOTE: The application must import a SQLite driver registered as "sqlite"
// (e.g., _ "modernc.org/sqlite").
func (m *DBManager) openSQLite(opts OpenOptions) (*sql.DB, error) {
	maxRetries, baseMs := retryParams(opts)

	connStr := opts.Path
	params := "?_journal_mode=WAL&_busy_timeout=5000"
	if opts.Mode == ModeReadOnly {
		params += "&mode=ro"
	}
	connStr += params

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		db, err := sql.Open("sqlite", connStr)
		if err == nil {
			configurePool(db)
			err = db.Ping()
			if err != nil {
				db.Close()
			}
		}

		if err != nil {
			lastErr = err
			m.logger(fmt.Sprintf("[dbpool] SQLite attempt %d/%d failed: %v", i+1, maxRetries, err))
			if maxRetries > 1 {
				time.Sleep(time.Duration(baseMs*(i+1)) * time.Millisecond)
			}
			continue
		}

		return db, nil
	}

	return nil, fmt.Errorf("dbpool: failed to open SQLite %q after %d retries: %w", opts.Path, maxRetries, lastErr)
}
