package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Stage markers for the two-pass cache lifecycle.
const (
	StageSQLReady      = "sql_ready"
	StageChartComplete = "chart_complete"
)

// CacheEntry 两段式缓存条目
// Stage 1 holds the generated SQL and its execution data; Stage 2 adds the
// derived chart shape. Lifecycle fields track TTL, hits and validity.
type CacheEntry struct {
	CacheKey        string `json:"cache_key"`
	TemplateID      string `json:"template_id"`
	DataSourceID    string `json:"data_source_id"`
	PlaceholderText string `json:"placeholder_text"`

	// Stage 1
	GeneratedSQL     string            `json:"generated_sql"`
	SQLMetadata      map[string]string `json:"sql_metadata,omitempty"`
	RawData          *ExecutionResult  `json:"raw_data,omitempty"`
	ProcessedData    *ExecutionResult  `json:"processed_data,omitempty"`
	DataQualityScore float64           `json:"data_quality_score"`

	// Stage 2
	ChartType     string            `json:"chart_type,omitempty"`
	ChartConfig   *ChartData        `json:"chart_config,omitempty"`
	ChartMetadata map[string]string `json:"chart_metadata,omitempty"`

	// Lifecycle
	TTLHours       int       `json:"ttl_hours"`
	ExpiresAt      time.Time `json:"expires_at"`
	HitCount       int       `json:"hit_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	IsValid        bool      `json:"is_valid"`
	IsSQLReady     bool      `json:"is_sql_ready"`
	StageCompleted string    `json:"stage_completed"`
}

// validate checks the stage invariants. A violating entry is corrupt and
// must be treated as a miss.
func (e *CacheEntry) validate() error {
	if e.IsSQLReady && e.GeneratedSQL == "" {
		return fmt.Errorf("sql-ready entry has empty generated_sql")
	}
	if e.StageCompleted == StageChartComplete && (e.ChartType == "" || e.ChartConfig == nil) {
		return fmt.Errorf("chart-complete entry missing chart_type or chart_config")
	}
	return nil
}

// ResultCacheStats 缓存统计信息
type ResultCacheStats struct {
	TotalEntries int     `json:"total_entries"`
	HitCount     int64   `json:"hit_count"`
	MissCount    int64   `json:"miss_count"`
	HitRate      float64 `json:"hit_rate"`
}

type resultCachePersistence struct {
	Entries        []*CacheEntry     `json:"entries"`
	TemplateHashes map[string]string `json:"template_hashes"`
	Stats          ResultCacheStats  `json:"stats"`
	SavedAt        time.Time         `json:"saved_at"`
}

const resultCacheFileName = "result_cache.json"

// ResultCache 结果缓存
// Two-stage TTL cache over placeholder resolutions. Safe for concurrent use;
// regeneration for one key serializes on that key only.
type ResultCache struct {
	entries        map[string]*CacheEntry
	templateHashes map[string]string
	ttl            time.Duration
	clock          clockwork.Clock
	dataDir        string
	logger         func(string)
	mu             sync.RWMutex

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	hitCount  int64
	missCount int64
}

// NewResultCache creates the cache. dataDir may be empty (no persistence);
// clock may be nil (wall clock).
func NewResultCache(ttlHours int, dataDir string, clock clockwork.Clock, logger func(string)) *ResultCache {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ResultCache{
		entries:        make(map[string]*CacheEntry),
		templateHashes: make(map[string]string),
		ttl:            time.Duration(ttlHours) * time.Hour,
		clock:          clock,
		dataDir:        dataDir,
		logger:         logger,
		keyLocks:       make(map[string]*sync.Mutex),
	}
}

func (c *ResultCache) log(msg string) {
	if c.logger != nil {
		c.logger(msg)
	}
}

// ComputeCacheKey derives the deterministic key for one cacheable resolution.
func ComputeCacheKey(rawText, dataSourceID, templateID string, window *TimeWindow) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", rawText, dataSourceID, templateID)
	if window != nil {
		fmt.Fprintf(h, "|%s|%s|%s",
			window.StartDate.Format(dateLayout), window.EndDate.Format(dateLayout), window.Granularity)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the entry for key if it is valid and unexpired. Expired,
// invalid or corrupt entries count as misses; corrupt ones are invalidated.
func (c *ResultCache) Lookup(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *ResultCache) lookupLocked(key string) (*CacheEntry, bool) {
	entry, exists := c.entries[key]
	if !exists {
		c.missCount++
		return nil, false
	}
	if !entry.IsValid || !c.clock.Now().Before(entry.ExpiresAt) {
		c.missCount++
		return nil, false
	}
	if err := entry.validate(); err != nil {
		c.log(fmt.Sprintf("[CACHE] %v", &CacheCorruptionError{Key: key}))
		entry.IsValid = false
		c.missCount++
		return nil, false
	}
	c.hitCount++
	return entry, true
}

// Store writes an entry under key, stamping lifecycle fields. The stage
// invariants are enforced here: a violating entry is rejected.
func (c *ResultCache) Store(key string, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("nil cache entry")
	}
	if err := entry.validate(); err != nil {
		return WrapError("ResultCache", "Store", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry.CacheKey = key
	if entry.TTLHours <= 0 {
		entry.TTLHours = int(c.ttl / time.Hour)
	}
	entry.ExpiresAt = now.Add(time.Duration(entry.TTLHours) * time.Hour)
	entry.LastAccessedAt = now
	entry.IsValid = true
	c.entries[key] = entry
	return nil
}

// Touch records a hit on key.
func (c *ResultCache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, exists := c.entries[key]; exists {
		entry.HitCount++
		entry.LastAccessedAt = c.clock.Now()
	}
}

// Invalidate marks the entry for key unusable. The next lookup misses and
// triggers regeneration.
func (c *ResultCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, exists := c.entries[key]; exists {
		entry.IsValid = false
	}
}

// lockFor returns the per-key regeneration mutex, creating it on first use.
func (c *ResultCache) lockFor(key string) *sync.Mutex {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	lock, exists := c.keyLocks[key]
	if !exists {
		lock = &sync.Mutex{}
		c.keyLocks[key] = lock
	}
	return lock
}

// DoRegenerate resolves key with at most one regeneration in flight per key.
// usable decides whether a cached entry already satisfies the caller (nil
// means any valid entry does); regenerate receives the previous entry (nil
// on a cold miss) so it can reuse earlier stages. A caller that loses the
// race observes the winner's entry instead of regenerating again. Keys other
// than this one proceed unaffected.
func (c *ResultCache) DoRegenerate(key string, usable func(*CacheEntry) bool, regenerate func(prev *CacheEntry) (*CacheEntry, error)) (*CacheEntry, bool, error) {
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	prev, ok := c.Lookup(key)
	if ok && (usable == nil || usable(prev)) {
		c.Touch(key)
		return prev, true, nil
	}

	entry, err := regenerate(prev)
	if err != nil {
		return nil, false, err
	}
	if err := c.Store(key, entry); err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

// RecordTemplateHash remembers the content hash a template was analyzed at.
func (c *ResultCache) RecordTemplateHash(templateID, contentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templateHashes[templateID] = contentHash
}

// TemplateContentChanged implements AnalysisChecker. An unseen template is
// not "changed": its placeholders already need analysis for lack of entries.
func (c *ResultCache) TemplateContentChanged(templateID, contentHash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prev, seen := c.templateHashes[templateID]
	return seen && prev != contentHash
}

// HasValidAnalysis implements AnalysisChecker: true when some valid,
// unexpired, sql-ready entry covers the placeholder.
func (c *ResultCache) HasValidAnalysis(templateID, dataSourceID, rawText string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.clock.Now()
	for _, entry := range c.entries {
		if entry.TemplateID != templateID || entry.DataSourceID != dataSourceID || entry.PlaceholderText != rawText {
			continue
		}
		if entry.IsValid && entry.IsSQLReady && now.Before(entry.ExpiresAt) {
			return true
		}
	}
	return false
}

// GetStats returns hit/miss statistics.
func (c *ResultCache) GetStats() ResultCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hitCount + c.missCount
	var rate float64
	if total > 0 {
		rate = float64(c.hitCount) / float64(total)
	}
	return ResultCacheStats{
		TotalEntries: len(c.entries),
		HitCount:     c.hitCount,
		MissCount:    c.missCount,
		HitRate:      rate,
	}
}

// Save persists the cache to disk. No-op without a data directory.
func (c *ResultCache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dataDir, 0755); err != nil {
		return WrapError("ResultCache", "Save", err)
	}

	entries := make([]*CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	persistence := resultCachePersistence{
		Entries:        entries,
		TemplateHashes: c.templateHashes,
		Stats: ResultCacheStats{
			TotalEntries: len(c.entries),
			HitCount:     c.hitCount,
			MissCount:    c.missCount,
		},
		SavedAt: c.clock.Now(),
	}

	data, err := json.MarshalIndent(persistence, "", "  ")
	if err != nil {
		return WrapError("ResultCache", "Save", err)
	}
	if err := os.WriteFile(filepath.Join(c.dataDir, resultCacheFileName), data, 0644); err != nil {
		return WrapError("ResultCache", "Save", err)
	}
	return nil
}

// Load restores the cache from disk, skipping expired entries. A malformed
// file is treated like corruption: logged and discarded, never fatal.
func (c *ResultCache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataDir == "" {
		return nil
	}
	path := filepath.Join(c.dataDir, resultCacheFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return WrapError("ResultCache", "Load", err)
	}

	var persistence resultCachePersistence
	if err := json.Unmarshal(data, &persistence); err != nil {
		c.log(fmt.Sprintf("[CACHE] discarding corrupt cache file %s: %v", path, err))
		return nil
	}

	now := c.clock.Now()
	for _, entry := range persistence.Entries {
		if !entry.IsValid || !now.Before(entry.ExpiresAt) {
			continue
		}
		if err := entry.validate(); err != nil {
			c.log(fmt.Sprintf("[CACHE] skipping corrupt entry %s: %v", entry.CacheKey, err))
			continue
		}
		c.entries[entry.CacheKey] = entry
	}
	if persistence.TemplateHashes != nil {
		c.templateHashes = persistence.TemplateHashes
	}
	c.hitCount = persistence.Stats.HitCount
	c.missCount = persistence.Stats.MissCount
	return nil
}
