package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"reportbi/dbpool"
)

// SqlExecutionPort runs read-only SQL against a registered data source.
type SqlExecutionPort interface {
	Execute(ctx context.Context, dataSourceID, query string) (*ExecutionResult, error)
}

// SqlExecutor executes generated SQL with dialect conversion, a row cap and
// a per-query timeout.
type SqlExecutor struct {
	dsService     *DataSourceService
	maxOutputRows int
	queryTimeout  time.Duration
	logger        func(string)
}

func NewSqlExecutor(dsService *DataSourceService, maxOutputRows int, queryTimeout time.Duration, logger func(string)) *SqlExecutor {
	if maxOutputRows <= 0 {
		maxOutputRows = 5000
	}
	if queryTimeout <= 0 {
		queryTimeout = 60 * time.Second
	}
	return &SqlExecutor{
		dsService:     dsService,
		maxOutputRows: maxOutputRows,
		queryTimeout:  queryTimeout,
		logger:        logger,
	}
}

func (e *SqlExecutor) log(msg string) {
	if e.logger != nil {
		e.logger(msg)
	}
}

// Execute validates, rewrites and runs the query. Failures come back as
// *SqlExecutionError so callers can record the failure class per value.
func (e *SqlExecutor) Execute(ctx context.Context, dataSourceID, query string) (*ExecutionResult, error) {
	if !isReadOnlySQL(query) {
		return nil, &SqlExecutionError{
			Reason:       ExecFailSyntax,
			DataSourceID: dataSourceID,
			Err:          fmt.Errorf("only SELECT queries are allowed for safety"),
		}
	}

	db, engine, err := e.dsService.OpenConnection(dataSourceID)
	if err != nil {
		return nil, &SqlExecutionError{Reason: ExecFailConnection, DataSourceID: dataSourceID, Err: err}
	}
	defer db.Close()

	processed := query
	if engine == dbpool.EngineSQLite {
		processed = convertMySQLToSQLite(processed)
	}
	processed = dbpool.NewDialect(engine).LimitClause(processed, e.maxOutputRows)

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := db.QueryContext(queryCtx, processed)
	if err != nil {
		e.log(fmt.Sprintf("[SQL-EXEC] query failed on %s: %v", dataSourceID, err))
		return nil, &SqlExecutionError{
			Reason:       classifyExecError(queryCtx, err),
			DataSourceID: dataSourceID,
			Err:          fmt.Errorf("%w (query: %s)", err, processed),
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &SqlExecutionError{Reason: ExecFailSyntax, DataSourceID: dataSourceID, Err: err}
	}

	result := &ExecutionResult{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		pointers := make([]interface{}, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, &SqlExecutionError{Reason: ExecFailSyntax, DataSourceID: dataSourceID, Err: err}
		}
		for i, v := range values {
			// text columns come back as []byte from the drivers
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, &SqlExecutionError{
			Reason:       classifyExecError(queryCtx, err),
			DataSourceID: dataSourceID,
			Err:          err,
		}
	}

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	result.RowsScanned = len(result.Rows)
	e.log(fmt.Sprintf("[SQL-EXEC] %s returned %d rows in %dms", dataSourceID, result.RowsScanned, result.ExecutionTimeMs))
	return result, nil
}

// classifyExecError maps a driver error onto the failure taxonomy.
func classifyExecError(ctx context.Context, err error) ExecFailureReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ExecFailTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "unknown column"),
		strings.Contains(msg, "doesn't exist"):
		return ExecFailSyntax
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ExecFailTimeout
	default:
		return ExecFailConnection
	}
}

var (
	yearFnRegex     = regexp.MustCompile(`(?i)\bYEAR\s*\(\s*([^)]+)\s*\)`)
	monthFnRegex    = regexp.MustCompile(`(?i)\bMONTH\s*\(\s*([^)]+)\s*\)`)
	dayFnRegex      = regexp.MustCompile(`(?i)\bDAY\s*\(\s*([^)]+)\s*\)`)
	dateFormatRegex = regexp.MustCompile(`(?i)DATE_FORMAT\s*\(\s*([^,]+)\s*,\s*'([^']+)'\s*\)`)
	nowFnRegex      = regexp.MustCompile(`(?i)NOW\s*\(\s*\)`)
	curdateFnRegex  = regexp.MustCompile(`(?i)CURDATE\s*\(\s*\)`)
	ifnullFnRegex   = regexp.MustCompile(`(?i)IFNULL\s*\(`)
	locateFnRegex   = regexp.MustCompile(`(?i)LOCATE\s*\(\s*([^,]+)\s*,\s*([^)]+)\s*\)`)
	substringRegex  = regexp.MustCompile(`(?i)SUBSTRING\s*\(`)
	concatFnRegex   = regexp.MustCompile(`(?i)\bCONCAT\s*\(([^)]+)\)`)
)

// convertMySQLToSQLite rewrites common MySQL syntax to SQLite. Models tend
// to emit MySQL functions regardless of the dialect hints.
func convertMySQLToSQLite(query string) string {
	query = yearFnRegex.ReplaceAllString(query, "strftime('%Y', $1)")
	query = monthFnRegex.ReplaceAllString(query, "strftime('%m', $1)")
	query = dayFnRegex.ReplaceAllString(query, "strftime('%d', $1)")
	query = dateFormatRegex.ReplaceAllString(query, "strftime('$2', $1)")
	query = nowFnRegex.ReplaceAllString(query, "datetime('now')")
	query = curdateFnRegex.ReplaceAllString(query, "date('now')")
	query = ifnullFnRegex.ReplaceAllString(query, "COALESCE(")
	// LOCATE(substr, str) -> INSTR(str, substr), note the reversed order
	query = locateFnRegex.ReplaceAllString(query, "INSTR($2, $1)")
	query = substringRegex.ReplaceAllString(query, "SUBSTR(")

	// CONCAT(a, b, c) -> (a || b || c), word boundary keeps GROUP_CONCAT intact
	for _, match := range concatFnRegex.FindAllStringSubmatch(query, -1) {
		if len(match) < 2 {
			continue
		}
		args := strings.Split(match[1], ",")
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
		query = strings.Replace(query, match[0], "("+strings.Join(args, " || ")+")", 1)
	}

	return query
}
