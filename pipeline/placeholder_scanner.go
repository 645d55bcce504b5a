package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRegex matches {{ ... }} spans. The inner text may not contain
// braces, which keeps nesting errors visible instead of silently swallowed.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// periodVocabulary maps recognized period placeholder texts to the window
// field they resolve to.
var periodVocabulary = map[string]string{
	"周期":     "label",
	"统计周期":   "label",
	"统计开始日期": "start",
	"统计结束日期": "end",
	"period":       "label",
	"period_start": "start",
	"period_end":   "end",
}

// AnalysisChecker is the narrow cache view the scanner uses to decide
// whether a placeholder still has a valid prior analysis.
type AnalysisChecker interface {
	HasValidAnalysis(templateID, dataSourceID, rawText string) bool
	TemplateContentChanged(templateID, contentHash string) bool
}

// PlaceholderScanner parses template text into ordered placeholder specs.
type PlaceholderScanner struct {
	checker AnalysisChecker // may be nil: everything then needs analysis
	logger  func(string)
}

// NewPlaceholderScanner creates a scanner. checker may be nil.
func NewPlaceholderScanner(checker AnalysisChecker, logger func(string)) *PlaceholderScanner {
	return &PlaceholderScanner{checker: checker, logger: logger}
}

func (s *PlaceholderScanner) log(msg string) {
	if s.logger != nil {
		s.logger(msg)
	}
}

// Scan extracts the distinct placeholders from a template. Duplicate raw
// texts collapse to one spec, in first-occurrence order.
func (s *PlaceholderScanner) Scan(templateID, content, dataSourceID string) []PlaceholderSpec {
	matches := placeholderRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	contentHash := HashTemplateContent(content)
	templateChanged := s.checker != nil && s.checker.TemplateContentChanged(templateID, contentHash)

	seen := make(map[string]bool, len(matches))
	specs := make([]PlaceholderSpec, 0, len(matches))

	for _, m := range matches {
		raw := m[1]
		if seen[raw] {
			continue
		}
		seen[raw] = true

		spec := classifyPlaceholder(raw)

		switch spec.Kind {
		case KindPeriod:
			// Period placeholders resolve from the time window alone.
			spec.NeedsReanalysis = false
		default:
			spec.NeedsReanalysis = s.checker == nil ||
				templateChanged ||
				!s.checker.HasValidAnalysis(templateID, dataSourceID, raw)
		}

		specs = append(specs, spec)
	}

	s.log(fmt.Sprintf("[SCANNER] template %s: %d occurrences, %d distinct placeholders", templateID, len(matches), len(specs)))
	return specs
}

// classifyPlaceholder applies the classification rules in priority order:
// period vocabulary, chart directive, computed expression, statistical.
func classifyPlaceholder(raw string) PlaceholderSpec {
	if field, ok := periodVocabulary[raw]; ok {
		return PlaceholderSpec{
			RawText:    raw,
			Kind:       KindPeriod,
			Parameters: map[string]string{"field": field},
		}
	}

	if rest, ok := directiveBody(raw, "chart:"); ok {
		chartType := rest
		title := ""
		if idx := strings.Index(rest, ":"); idx >= 0 {
			chartType = rest[:idx]
			title = strings.TrimSpace(rest[idx+1:])
		}
		return PlaceholderSpec{
			RawText: raw,
			Kind:    KindChart,
			Parameters: map[string]string{
				"type":  strings.TrimSpace(chartType),
				"title": title,
			},
		}
	}

	if expr, ok := directiveBody(raw, "calc:"); ok {
		return PlaceholderSpec{
			RawText:    raw,
			Kind:       KindStatistical,
			Parameters: map[string]string{"expr": expr},
		}
	}
	if expr, ok := directiveBody(raw, "计算:"); ok {
		return PlaceholderSpec{
			RawText:    raw,
			Kind:       KindStatistical,
			Parameters: map[string]string{"expr": expr},
		}
	}

	return PlaceholderSpec{RawText: raw, Kind: KindStatistical}
}

// directiveBody strips a directive prefix, tolerating a full-width colon.
func directiveBody(raw, prefix string) (string, bool) {
	if strings.HasPrefix(raw, prefix) {
		return strings.TrimSpace(raw[len(prefix):]), true
	}
	wide := strings.TrimSuffix(prefix, ":") + "："
	if strings.HasPrefix(raw, wide) {
		return strings.TrimSpace(raw[len(wide):]), true
	}
	return "", false
}

// HashTemplateContent returns the content hash used to detect template edits
// between analyses.
func HashTemplateContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// FindOccurrences returns every placeholder occurrence (including
// duplicates) in template order. Used by the replacer to guarantee total
// substitution.
func FindOccurrences(content string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
