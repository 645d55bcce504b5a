package i18n

// translationsEN holds the English translations
var translationsEN = map[string]string{
	// Period descriptions
	"period.daily":   "Daily period: %s",
	"period.weekly":  "Weekly period: %s to %s",
	"period.monthly": "Monthly period: %s to %s",
	"period.yearly":  "Yearly period: %s to %s",

	// Placeholder substitution markers
	"marker.calc_error":        "[calculation error]",
	"marker.chart_unavailable": "[chart unavailable]",
	"marker.unresolved":        "[unresolved: %s]",

	// Report pipeline
	"pipeline.template_not_found":  "report template not found: %s",
	"pipeline.schema_failed":       "schema discovery failed for data source: %s",
	"pipeline.not_ready":           "template analysis below readiness threshold (%.0f%% < %.0f%%)",
	"pipeline.cancelled":           "report generation cancelled",
	"pipeline.phase1_done":         "analysis phase complete: %d/%d placeholders resolved",
	"pipeline.phase2_done":         "execution phase complete: %d charts generated",

	// Data sources
	"datasource.not_found":   "data source not found: %s",
	"datasource.unsupported": "unsupported data source type: %s",
}
