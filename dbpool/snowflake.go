package dbpool

import (
	"database/sql"
	"fmt"
	"time"
)

// openSnowflake opens a Snowflake warehouse connection with retry. Snowflake
// sessions are network-bound, so transient failures (warehouse resuming,
// token refresh) are worth a couple of retries before giving up.
// NOTE: The application must import the Snowflake driver
// (e.g., _ "github.com/snowflakedb/gosnowflake").
func (m *DBManager) openSnowflake(opts OpenOptions) (*sql.DB, error) {
	maxRetries, baseMs := retryParams(opts)
	// Warehouse resume can take a while; cap the attempts lower than the
	// file-based engines.
	if opts.MaxRetries == 0 && maxRetries > 3 {
		maxRetries = 3
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		db, err := sql.Open("snowflake", opts.Path)
		if err == nil {
			err = db.Ping()
			if err != nil {
				db.Close()
			}
		}

		if err != nil {
			lastErr = err
			m.logger(fmt.Sprintf("[dbpool] Snowflake attempt %d/%d failed: %v", i+1, maxRetries, err))
			if maxRetries > 1 {
				time.Sleep(time.Duration(baseMs*(i+1)) * time.Millisecond)
			}
			continue
		}

		return db, nil
	}

	return nil, fmt.Errorf("dbpool: failed to open Snowflake after %d retries: %w", maxRetries, lastErr)
}
