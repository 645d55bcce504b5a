package pipeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"

	"reportbi/dbpool"
)

// DataSource describes one registered analytical data source.
type DataSource struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Type      string           `json:"type"` // sqlite, mysql, doris, snowflake
	CreatedAt int64            `json:"created_at"` // Unix timestamp in milliseconds
	Config    DataSourceConfig `json:"config"`
}

// DataSourceConfig holds the connection settings. DBPath is used for local
// SQLite warehouses (relative to the data cache dir); the remaining fields
// describe remote warehouses.
type DataSourceConfig struct {
	DBPath     string `json:"db_path,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       string `json:"port,omitempty"`
	User       string `json:"user,omitempty"`
	Password   string `json:"password,omitempty"`
	Database   string `json:"database,omitempty"`
	Account    string `json:"account,omitempty"`   // snowflake account locator
	Warehouse  string `json:"warehouse,omitempty"` // snowflake warehouse name
	SchemaName string `json:"schema,omitempty"`
}

// DataSourceService handles data source registry operations.
type DataSourceService struct {
	dataCacheDir string
	db           *dbpool.DBManager
	Log          func(string)

	mu      sync.Mutex
	sources []DataSource
	loaded  bool
}

// NewDataSourceService creates a new service instance.
func NewDataSourceService(dataCacheDir string, db *dbpool.DBManager, logFunc func(string)) *DataSourceService {
	return &DataSourceService{
		dataCacheDir: dataCacheDir,
		db:           db,
		Log:          logFunc,
	}
}

func (s *DataSourceService) log(msg string) {
	if s.Log != nil {
		s.Log(msg)
	}
}

func (s *DataSourceService) metadataPath() string {
	return filepath.Join(s.dataCacheDir, "datasources.json")
}

// LoadDataSources reads the registry from disk, caching the result.
func (s *DataSourceService) LoadDataSources() ([]DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.sources, nil
	}

	data, err := os.ReadFile(s.metadataPath())
	if os.IsNotExist(err) {
		s.sources = []DataSource{}
		s.loaded = true
		return s.sources, nil
	}
	if err != nil {
		return nil, WrapError("DataSourceService", "LoadDataSources", err)
	}

	var sources []DataSource
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, WrapError("DataSourceService", "LoadDataSources", err)
	}

	s.sources = sources
	s.loaded = true
	return s.sources, nil
}

// SaveDataSources writes the registry back to disk and refreshes the
// in-memory copy.
func (s *DataSourceService) SaveDataSources(sources []DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataCacheDir, 0755); err != nil {
		return WrapError("DataSourceService", "SaveDataSources", err)
	}
	data, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return WrapError("DataSourceService", "SaveDataSources", err)
	}
	if err := os.WriteFile(s.metadataPath(), data, 0644); err != nil {
		return WrapError("DataSourceService", "SaveDataSources", err)
	}

	s.sources = sources
	s.loaded = true
	return nil
}

// AddDataSource registers a new data source.
func (s *DataSourceService) AddDataSource(ds DataSource) error {
	sources, err := s.LoadDataSources()
	if err != nil {
		return err
	}
	for _, existing := range sources {
		if existing.ID == ds.ID {
			return fmt.Errorf("data source already registered: %s", ds.ID)
		}
	}
	return s.SaveDataSources(append(sources, ds))
}

// FindDataSource returns the registered data source with the given id.
func (s *DataSourceService) FindDataSource(id string) (*DataSource, error) {
	sources, err := s.LoadDataSources()
	if err != nil {
		return nil, err
	}
	for i := range sources {
		if sources[i].ID == id {
			return &sources[i], nil
		}
	}
	return nil, fmt.Errorf("data source not found: %s", id)
}

// EngineFor maps a data source to its dbpool engine.
func (s *DataSourceService) EngineFor(ds *DataSource) (dbpool.Engine, error) {
	if ds.Config.DBPath != "" || ds.Type == "sqlite" {
		return dbpool.EngineSQLite, nil
	}
	switch ds.Type {
	case "mysql", "doris":
		return dbpool.EngineMySQL, nil
	case "snowflake":
		return dbpool.EngineSnowflake, nil
	default:
		return "", fmt.Errorf("unsupported data source type: %s", ds.Type)
	}
}

// OpenConnection opens a read-only connection to the data source's warehouse.
// The caller owns the returned handle and must Close it.
func (s *DataSourceService) OpenConnection(id string) (*sql.DB, dbpool.Engine, error) {
	ds, err := s.FindDataSource(id)
	if err != nil {
		return nil, "", err
	}

	engine, err := s.EngineFor(ds)
	if err != nil {
		return nil, "", err
	}

	var path string
	switch engine {
	case dbpool.EngineSQLite:
		path = filepath.Join(s.dataCacheDir, ds.Config.DBPath)
	case dbpool.EngineMySQL:
		cfg := ds.Config
		if cfg.Port == "" {
			cfg.Port = "3306"
		}
		path = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?allowNativePasswords=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	case dbpool.EngineSnowflake:
		cfg := ds.Config
		path = fmt.Sprintf("%s:%s@%s/%s", cfg.User, cfg.Password, cfg.Account, cfg.Database)
		if cfg.SchemaName != "" {
			path += "/" + cfg.SchemaName
		}
		if cfg.Warehouse != "" {
			path += "?warehouse=" + cfg.Warehouse
		}
	}

	db, err := s.db.Open(dbpool.OpenOptions{Engine: engine, Path: path, Mode: dbpool.ModeReadOnly, MaxRetries: 3})
	if err != nil {
		s.log(fmt.Sprintf("[DATASOURCE] open %s (%s) failed: %v", id, engine, err))
		return nil, "", err
	}
	return db, engine, nil
}
