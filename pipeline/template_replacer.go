package pipeline

import (
	"fmt"
	"strings"

	"reportbi/i18n"
)

// TemplateReplacer substitutes resolved values back into template text.
// Substitution is total: every {{ }} occurrence is replaced - by its value
// or by an explicit error marker, never silently dropped.
type TemplateReplacer struct {
	logger func(string)
}

func NewTemplateReplacer(logger func(string)) *TemplateReplacer {
	return &TemplateReplacer{logger: logger}
}

func (r *TemplateReplacer) log(msg string) {
	if r.logger != nil {
		r.logger(msg)
	}
}

// Replace assembles the final text. period is the run's resolved time
// context (may be nil when the template has no period placeholders).
func (r *TemplateReplacer) Replace(content string, period *TimePeriod, resolved map[string]ResolvedValue) string {
	return placeholderRegex.ReplaceAllStringFunc(content, func(match string) string {
		m := placeholderRegex.FindStringSubmatch(match)
		raw := m[1]

		if field, ok := periodVocabulary[raw]; ok {
			return r.periodValue(field, period, raw)
		}

		value, exists := resolved[raw]
		if !exists {
			r.log(fmt.Sprintf("[REPLACER] no resolution for %q", raw))
			return i18n.T("marker.unresolved", raw)
		}
		return r.resolvedText(raw, value)
	})
}

func (r *TemplateReplacer) periodValue(field string, period *TimePeriod, raw string) string {
	if period == nil {
		return i18n.T("marker.unresolved", raw)
	}
	switch field {
	case "start":
		return period.Window.StartDate.Format(dateLayout)
	case "end":
		return period.Window.EndDate.Format(dateLayout)
	default:
		return period.Label
	}
}

func (r *TemplateReplacer) resolvedText(raw string, value ResolvedValue) string {
	if value.Error != "" {
		r.log(fmt.Sprintf("[REPLACER] %q failed: %s", raw, value.Error))
		if value.Kind == KindChart {
			return i18n.T("marker.chart_unavailable")
		}
		return i18n.T("marker.calc_error")
	}

	switch value.Kind {
	case KindChart:
		// value is the rendered artifact path supplied by the collaborator
		return fmt.Sprintf("![%s](%s)", raw, value.Value)
	case KindStatistical:
		if value.Description != "" {
			return fmt.Sprintf("%s（%s）", value.Value, value.Description)
		}
		return value.Value
	default:
		return value.Value
	}
}

// DescribeScalar builds the 1-line description attached to a statistical
// value, e.g. "统计周期 2024-09-16～2024-09-22".
func DescribeScalar(period *TimePeriod) string {
	if period == nil {
		return ""
	}
	return fmt.Sprintf("统计周期 %s～%s",
		period.Window.StartDate.Format(dateLayout), period.Window.EndDate.Format(dateLayout))
}

// PrimaryScalar extracts the first-row first-column value of an execution
// result as display text.
func PrimaryScalar(result *ExecutionResult) (string, bool) {
	if result == nil || len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return "", false
	}
	cell := result.Rows[0][0]
	if cell == nil {
		return "", false
	}
	switch v := cell.(type) {
	case string:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), "."), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
