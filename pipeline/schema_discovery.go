package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"reportbi/dbpool"
)

const (
	schemaCacheSize = 64
	schemaCacheTTL  = 5 * time.Minute
)

// SchemaDiscovery introspects data sources and returns the tables and
// columns available for query generation. Pure read; results are cached
// per data source for the lifetime of a pipeline run.
type SchemaDiscovery struct {
	dsService *DataSourceService
	cache     *expirable.LRU[string, *SchemaContext]
	logger    func(string)
}

// NewSchemaDiscovery creates a discovery service backed by the registry.
func NewSchemaDiscovery(dsService *DataSourceService, logger func(string)) *SchemaDiscovery {
	return &SchemaDiscovery{
		dsService: dsService,
		cache:     expirable.NewLRU[string, *SchemaContext](schemaCacheSize, nil, schemaCacheTTL),
		logger:    logger,
	}
}

func (d *SchemaDiscovery) log(msg string) {
	if d.logger != nil {
		d.logger(msg)
	}
}

// Introspect returns the schema context for a data source. Idempotent and
// safe to call repeatedly. Failures surface as *SchemaDiscoveryError and are
// not retried here.
func (d *SchemaDiscovery) Introspect(ctx context.Context, dataSourceID string) (*SchemaContext, error) {
	if cached, ok := d.cache.Get(dataSourceID); ok {
		return cached, nil
	}

	db, engine, err := d.dsService.OpenConnection(dataSourceID)
	if err != nil {
		return nil, &SchemaDiscoveryError{DataSourceID: dataSourceID, Err: err}
	}
	defer db.Close()

	dialect := dbpool.NewDialect(engine)

	tables, err := d.listTables(ctx, db, dialect)
	if err != nil {
		return nil, &SchemaDiscoveryError{DataSourceID: dataSourceID, Err: err}
	}

	schema := &SchemaContext{
		Tables:  tables,
		Columns: make(map[string][]string, len(tables)),
	}
	for _, table := range tables {
		cols, err := d.listColumns(ctx, db, dialect, engine, table)
		if err != nil {
			d.log(fmt.Sprintf("[SCHEMA] describe %s failed: %v", table, err))
			continue
		}
		schema.Columns[table] = cols
	}

	d.cache.Add(dataSourceID, schema)
	d.log(fmt.Sprintf("[SCHEMA] introspected %s: %d tables", dataSourceID, len(tables)))
	return schema, nil
}

// Invalidate drops the cached schema for a data source.
func (d *SchemaDiscovery) Invalidate(dataSourceID string) {
	d.cache.Remove(dataSourceID)
}

func (d *SchemaDiscovery) listTables(ctx context.Context, db *sql.DB, dialect *dbpool.Dialect) ([]string, error) {
	rows, err := db.QueryContext(ctx, dialect.ListTablesQuery())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// listColumns reads the column names for one table. The describe statements
// return engine-specific row shapes, so rows are scanned generically and the
// name column located by header.
func (d *SchemaDiscovery) listColumns(ctx context.Context, db *sql.DB, dialect *dbpool.Dialect, engine dbpool.Engine, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, dialect.DescribeColumnsQuery(table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	headers, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	nameIdx := columnNameIndex(headers, engine)

	var columns []string
	for rows.Next() {
		values := make([]interface{}, len(headers))
		pointers := make([]interface{}, len(headers))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		switch v := values[nameIdx].(type) {
		case string:
			columns = append(columns, v)
		case []byte:
			columns = append(columns, string(v))
		}
	}
	return columns, rows.Err()
}

// columnNameIndex finds which result column carries the field name.
// PRAGMA table_info and DESCRIBE label it differently.
func columnNameIndex(headers []string, engine dbpool.Engine) int {
	for i, h := range headers {
		switch h {
		case "name", "Field", "field", "column_name", "COLUMN_NAME":
			return i
		}
	}
	// PRAGMA table_info puts cid first, name second.
	if engine == dbpool.EngineSQLite && len(headers) > 1 {
		return 1
	}
	return 0
}
