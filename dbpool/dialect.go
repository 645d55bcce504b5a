package dbpool

import (
	"fmt"
	"strings"
)

// Dialect provides engine-specific SQL fragments so callers don't need to
// know which engine is in use.
type Dialect struct {
	Engine Engine
}

// NewDialect creates a Dialect for the given engine.
func NewDialect(engine Engine) *Dialect {
	return &Dialect{Engine: engine}
}

// QuoteIdent returns a properly quoted SQL identifier.
// SQLite and Snowflake use double quotes; MySQL uses backticks.
// Internal quotes are escaped by doubling them.
func (d *Dialect) QuoteIdent(name string) string {
	switch d.Engine {
	case EngineMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// ListTablesQuery returns the SQL to list user tables.
func (d *Dialect) ListTablesQuery() string {
	switch d.Engine {
	case EngineSQLite:
		return "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'"
	case EngineSnowflake:
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = CURRENT_SCHEMA() AND table_type = 'BASE TABLE'"
	default:
		return "SHOW TABLES"
	}
}

// DescribeColumnsQuery returns the SQL to describe columns for a table.
// The table name is quoted directly in the SQL string.
func (d *Dialect) DescribeColumnsQuery(tableName string) string {
	qi := d.QuoteIdent(tableName)
	switch d.Engine {
	case EngineSQLite:
		return fmt.Sprintf("PRAGMA table_info(%s)", qi)
	case EngineSnowflake:
		return fmt.Sprintf("DESCRIBE TABLE %s", qi)
	default:
		return fmt.Sprintf("DESCRIBE %s", qi)
	}
}

// LimitClause appends a row cap to the query if it does not carry one yet.
// All three engines accept trailing LIMIT syntax.
func (d *Dialect) LimitClause(query string, limit int) string {
	trimmed := strings.TrimRight(query, "; \t\n\r")
	if strings.Contains(strings.ToUpper(trimmed), "LIMIT") {
		return trimmed
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}
