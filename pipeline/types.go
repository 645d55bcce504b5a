package pipeline

import "time"

// PlaceholderKind classifies a template placeholder.
type PlaceholderKind string

const (
	KindPeriod      PlaceholderKind = "period"
	KindStatistical PlaceholderKind = "statistical"
	KindChart       PlaceholderKind = "chart"
)

// PlaceholderSpec describes one distinct placeholder found in a template.
// Duplicate raw texts within a template collapse to a single spec; the
// replacer substitutes every occurrence from the one resolution.
type PlaceholderSpec struct {
	RawText         string            `json:"raw_text"`
	Kind            PlaceholderKind   `json:"kind"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	NeedsReanalysis bool              `json:"needs_reanalysis"`
}

// Granularity of a reporting period.
type Granularity string

const (
	GranDaily   Granularity = "daily"
	GranWeekly  Granularity = "weekly"
	GranMonthly Granularity = "monthly"
	GranYearly  Granularity = "yearly"
)

// TimeWindow is the concrete [start, end] date range a period resolves to.
// Both bounds are inclusive, truncated to midnight in the execution timezone.
type TimeWindow struct {
	StartDate   time.Time   `json:"start_date"`
	EndDate     time.Time   `json:"end_date"`
	Granularity Granularity `json:"granularity"`
}

// TimePeriod pairs a resolved window with its localized description.
type TimePeriod struct {
	Window TimeWindow `json:"window"`
	Label  string     `json:"label"`
}

// SchemaContext holds the tables and columns known to be queryable in a
// data source. Owned by a single pipeline run.
type SchemaContext struct {
	Tables  []string            `json:"tables"`
	Columns map[string][]string `json:"columns"`
}

// Empty reports whether the context carries no usable schema.
func (s *SchemaContext) Empty() bool {
	return s == nil || len(s.Tables) == 0
}

// QuerySpec is the structured request handed to the SQL generator. Built
// once per placeholder from its raw text and surrounding business context.
type QuerySpec struct {
	Intent     string   `json:"intent"`
	Measures   []string `json:"measures,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
	Filters    []string `json:"filters,omitempty"`
	GroupBy    []string `json:"group_by,omitempty"`
	OrderBy    []string `json:"order_by,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Reserved fallback sentinel values. A generation failure is never surfaced
// as an error: callers receive this harmless result instead.
const (
	FallbackSQL       = "SELECT 1 AS stub"
	FallbackReasoning = "fallback_stub"
)

// SqlGenerationResult is the outcome of one generation call.
type SqlGenerationResult struct {
	SQL          string  `json:"sql"`
	QualityScore float64 `json:"quality_score"`
	Reasoning    string  `json:"reasoning"`
}

// IsFallback reports whether the result is the reserved failure sentinel.
func (r SqlGenerationResult) IsFallback() bool {
	return r.Reasoning == FallbackReasoning
}

// ExecutionResult holds the data returned by one SQL execution.
// Never mutated after creation.
type ExecutionResult struct {
	Columns         []string        `json:"columns"`
	Rows            [][]interface{} `json:"rows"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	RowsScanned     int             `json:"rows_scanned"`
}

// BusinessContext carries the identifiers and free-text context a resolution
// needs beyond the placeholder itself.
type BusinessContext struct {
	TemplateID   string `json:"template_id"`
	DataSourceID string `json:"data_source_id"`
	Description  string `json:"description,omitempty"`
}

// ResolvedValue is the per-placeholder entry of the output contract.
type ResolvedValue struct {
	Kind        PlaceholderKind `json:"kind"`
	Value       string          `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	Columns     []string        `json:"columns,omitempty"`
	Rows        [][]interface{} `json:"rows,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ReportResult is the pipeline's output contract.
type ReportResult struct {
	Success   bool                     `json:"success"`
	Content   string                   `json:"content"`
	Artifacts []string                 `json:"artifacts"`
	Resolved  map[string]ResolvedValue `json:"resolved"`
	Error     string                   `json:"error,omitempty"`
	Phase1Ms  int64                    `json:"phase1_ms"`
	Phase2Ms  int64                    `json:"phase2_ms"`
}
