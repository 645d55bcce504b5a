package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	einoSchema "github.com/cloudwego/eino/schema"

	"reportbi/dbpool"
)

// SemanticType classifies the analytical shape of a placeholder intent.
type SemanticType string

const (
	SemanticRanking SemanticType = "ranking"
	SemanticCompare SemanticType = "compare"
)

const maxGenerationRetries = 3

// SqlGenerationPort abstracts the SQL generation backend so production and
// test implementations are variants behind one interface.
type SqlGenerationPort interface {
	// Generate is total: it always returns a result and never blocks the
	// caller past the limiter's request timeout. Failures come back as the
	// fallback sentinel, not as errors.
	Generate(ctx context.Context, query QuerySpec, schema *SchemaContext, window *TimeWindow, biz BusinessContext) SqlGenerationResult
}

// LLMSqlGenerator produces SQL from natural-language placeholder intents
// using a chat model plus deterministic post-processing.
type LLMSqlGenerator struct {
	chatModel model.ChatModel
	discovery *SchemaDiscovery
	dsService *DataSourceService
	limiter   *LLMRateLimiter
	logger    func(string)

	maxOutputRows  int
	minQualityRows int
}

// NewLLMSqlGenerator creates the production generator. discovery may be nil
// (the lazy schema self-heal is then skipped).
func NewLLMSqlGenerator(chatModel model.ChatModel, discovery *SchemaDiscovery, dsService *DataSourceService, limiter *LLMRateLimiter, maxOutputRows, minQualityRows int, logger func(string)) *LLMSqlGenerator {
	if maxOutputRows <= 0 {
		maxOutputRows = 5000
	}
	if minQualityRows <= 0 {
		minQualityRows = 10
	}
	return &LLMSqlGenerator{
		chatModel:      chatModel,
		discovery:      discovery,
		dsService:      dsService,
		limiter:        limiter,
		logger:         logger,
		maxOutputRows:  maxOutputRows,
		minQualityRows: minQualityRows,
	}
}

func (g *LLMSqlGenerator) log(msg string) {
	if g.logger != nil {
		g.logger(msg)
	}
}

// fallbackResult is the reserved failure sentinel. Downstream stages treat
// it as degraded but non-fatal.
func fallbackResult() SqlGenerationResult {
	return SqlGenerationResult{
		SQL:          FallbackSQL,
		QualityScore: 0.0,
		Reasoning:    FallbackReasoning,
	}
}

// Generate implements SqlGenerationPort. It never returns an error and never
// panics: any failure becomes the fallback sentinel.
func (g *LLMSqlGenerator) Generate(ctx context.Context, query QuerySpec, schema *SchemaContext, window *TimeWindow, biz BusinessContext) (result SqlGenerationResult) {
	defer func() {
		if r := recover(); r != nil {
			g.log(fmt.Sprintf("[SQL-GEN] recovered from panic: %v", r))
			result = fallbackResult()
		}
	}()

	// Lazy schema self-heal: a run that started before introspection
	// finished can still generate against a fresh schema.
	if schema.Empty() && biz.DataSourceID != "" && g.discovery != nil {
		fresh, err := g.discovery.Introspect(ctx, biz.DataSourceID)
		if err != nil {
			g.log(fmt.Sprintf("[SQL-GEN] lazy introspection failed: %v", err))
			return fallbackResult()
		}
		schema = fresh
	}
	if schema.Empty() {
		g.log("[SQL-GEN] no schema available, returning fallback")
		return fallbackResult()
	}

	semantic, topN := inferSemanticType(query.Intent)
	prompt := g.buildPrompt(query, schema, window, semantic, topN)
	systemPrompt := g.systemPrompt(biz.DataSourceID)

	sql, err := g.invokeModel(ctx, systemPrompt, prompt)
	if err != nil {
		g.log(fmt.Sprintf("[SQL-GEN] generation failed for %q: %v", query.Intent, err))
		return fallbackResult()
	}

	score, reasoning := g.scoreSQL(sql, schema, window, semantic, topN)
	g.log(fmt.Sprintf("[SQL-GEN] %q -> score %.2f (%s)", query.Intent, score, reasoning))

	return SqlGenerationResult{SQL: sql, QualityScore: score, Reasoning: reasoning}
}

// invokeModel calls the chat model under the rate limiter with bounded
// retries, returning the extracted and validated SQL.
func (g *LLMSqlGenerator) invokeModel(ctx context.Context, systemPrompt, prompt string) (string, error) {
	msgs := []*einoSchema.Message{
		{Role: einoSchema.System, Content: systemPrompt},
		{Role: einoSchema.User, Content: prompt},
	}

	var sql string
	attempt := func() error {
		return g.limiter.Do(ctx, func(callCtx context.Context) error {
			resp, err := g.chatModel.Generate(callCtx, msgs)
			if err != nil {
				return err
			}
			extracted := extractSQL(resp.Content)
			if !isReadOnlySQL(extracted) {
				return fmt.Errorf("model output is not a SELECT statement")
			}
			sql = extracted
			return nil
		})
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGenerationRetries),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", err
	}
	return sql, nil
}

// inferSemanticType detects ranking and comparison intents; topN defaults
// to 10 when a ranking phrase carries no explicit count.
func inferSemanticType(intent string) (SemanticType, int) {
	lower := strings.ToLower(intent)

	if m := rankingNumberRegex.FindStringSubmatch(lower); m != nil {
		n := 10
		for _, group := range m[1:] {
			if group == "" {
				continue
			}
			if parsed, err := strconv.Atoi(group); err == nil && parsed > 0 {
				n = parsed
			}
			break
		}
		return SemanticRanking, n
	}
	for _, kw := range rankingKeywords {
		if strings.Contains(lower, kw) {
			return SemanticRanking, 10
		}
	}

	for _, kw := range compareKeywords {
		if strings.Contains(lower, kw) {
			return SemanticCompare, 0
		}
	}

	return "", 0
}

var (
	rankingNumberRegex = regexp.MustCompile(`top\s*(\d+)|前\s*(\d+)\s*[名位个]?`)
	rankingKeywords    = []string{"排名", "排行", "榜单", "ranking", "top sellers", "最高的", "最多的"}
	compareKeywords    = []string{
		"同比", "环比", "对比", "增长率", "变化率",
		"year-over-year", "period-over-period", "yoy", "mom", "compared to", "delta",
	}
)

// buildPrompt composes the generation prompt: intent, semantic guidance,
// schema inventory and time window, plus the hard constraints.
func (g *LLMSqlGenerator) buildPrompt(query QuerySpec, schema *SchemaContext, window *TimeWindow, semantic SemanticType, topN int) string {
	var sb strings.Builder

	sb.WriteString("## Task\nWrite one SQL query answering the request below.\n\n")
	sb.WriteString(fmt.Sprintf("## Request\n\"%s\"\n\n", query.Intent))

	if len(query.Measures) > 0 || len(query.Dimensions) > 0 || len(query.Filters) > 0 {
		sb.WriteString("## Structured hints\n")
		if len(query.Measures) > 0 {
			sb.WriteString(fmt.Sprintf("Measures: %s\n", strings.Join(query.Measures, ", ")))
		}
		if len(query.Dimensions) > 0 {
			sb.WriteString(fmt.Sprintf("Dimensions: %s\n", strings.Join(query.Dimensions, ", ")))
		}
		if len(query.Filters) > 0 {
			sb.WriteString(fmt.Sprintf("Filters: %s\n", strings.Join(query.Filters, "; ")))
		}
		sb.WriteString("\n")
	}

	switch semantic {
	case SemanticRanking:
		sb.WriteString(fmt.Sprintf("## Query shape\nThis is a RANKING query. Order by the measure descending and cap the result to %d rows.\n\n", topN))
	case SemanticCompare:
		sb.WriteString("## Query shape\nThis is a COMPARISON query. Emit baseline, comparison, delta and percent-change columns.\n\n")
	}

	if window != nil {
		sb.WriteString(fmt.Sprintf("## Time window\nRestrict date columns to [%s, %s] inclusive.\n\n",
			window.StartDate.Format(dateLayout), window.EndDate.Format(dateLayout)))
	}

	sb.WriteString("## Available Schema (ONLY use these tables and columns)\n")
	for _, table := range schema.Tables {
		sb.WriteString(fmt.Sprintf("Table: %s\n", table))
		if cols := schema.Columns[table]; len(cols) > 0 {
			sb.WriteString("Columns: ")
			sb.WriteString(strings.Join(cols, ", "))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Critical Rules\n")
	sb.WriteString("1. ONLY use columns that exist in the schema above - NO hallucination!\n")
	sb.WriteString("2. Add a time filter or LIMIT to avoid full scans.\n")
	sb.WriteString(fmt.Sprintf("3. Never return more than %d rows.\n", g.maxOutputRows))
	sb.WriteString("4. Handle NULL values with COALESCE where needed.\n\n")

	sb.WriteString("## Output Format\nOutput ONLY the SQL query, wrapped in a sql code block:\n```sql\nYOUR SQL HERE\n```")

	return sb.String()
}

// systemPrompt returns the dialect-aware expert prompt for the target
// data source.
func (g *LLMSqlGenerator) systemPrompt(dataSourceID string) string {
	engine := dbpool.EngineSQLite
	if g.dsService != nil && dataSourceID != "" {
		if ds, err := g.dsService.FindDataSource(dataSourceID); err == nil {
			if e, err := g.dsService.EngineFor(ds); err == nil {
				engine = e
			}
		}
	}

	name := strings.ToUpper(string(engine))
	return fmt.Sprintf(`## Role
You are a senior database expert, proficient in %s SQL syntax.

## Constraints
1. NO HALLUCINATION: Only use columns and tables that exist in the provided schema.
2. PERFORMANCE: Prefer JOIN over subqueries, always include a reasonable LIMIT.
3. SYNTAX: All string literals must use single quotes.
4. SAFETY: Check for NULL handling and division by zero.
5. DIALECT: Use only %s-compatible functions and syntax.

%s

## Output
Output clean, executable SQL only.`, name, name, dialectHints(engine))
}

// dialectHints returns engine-specific syntax reminders.
func dialectHints(engine dbpool.Engine) string {
	switch engine {
	case dbpool.EngineSQLite:
		return `SQLite Syntax Rules:
- Date: strftime('%Y', col), strftime('%m', col), strftime('%d', col)
- Concat: col1 || ' ' || col2 (NOT CONCAT())
- COALESCE(a, b) instead of IFNULL()
- NO YEAR(), MONTH(), DAY() functions!
- Current: date('now'), datetime('now')`
	case dbpool.EngineMySQL:
		return `MySQL/Doris Syntax Rules:
- Date: YEAR(col), MONTH(col), DAY(col)
- Date format: DATE_FORMAT(col, '%Y-%m')
- Concat: CONCAT(col1, ' ', col2)
- IFNULL(a, b) or COALESCE(a, b)
- Current: NOW(), CURDATE()`
	case dbpool.EngineSnowflake:
		return `Snowflake Syntax Rules:
- Date: YEAR(col), MONTH(col), DATE_TRUNC('month', col)
- Date format: TO_CHAR(col, 'YYYY-MM')
- Concat: col1 || ' ' || col2 or CONCAT()
- Current: CURRENT_DATE(), CURRENT_TIMESTAMP()`
	default:
		return ""
	}
}

var (
	sqlFenceRegex     = regexp.MustCompile("(?s)```sql\\s*(.+?)\\s*```")
	genericFenceRegex = regexp.MustCompile("(?s)```\\s*(.+?)\\s*```")
)

// extractSQL pulls the SQL out of a model response, tolerating missing
// language tags and bare output.
func extractSQL(content string) string {
	if m := sqlFenceRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if m := genericFenceRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(content)
}

// isReadOnlySQL reports whether the statement is a plain SELECT or CTE
// after comment stripping.
func isReadOnlySQL(sql string) bool {
	clean := regexp.MustCompile(`--[^\n]*`).ReplaceAllString(sql, "")
	clean = regexp.MustCompile(`/\*[\s\S]*?\*/`).ReplaceAllString(clean, "")
	upper := strings.ToUpper(strings.TrimSpace(clean))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

// scoreSQL derives the deterministic confidence score for generated SQL.
func (g *LLMSqlGenerator) scoreSQL(sql string, schema *SchemaContext, window *TimeWindow, semantic SemanticType, topN int) (float64, string) {
	upper := strings.ToUpper(sql)
	score := 0.5
	var notes []string

	referencesTable := false
	for _, table := range schema.Tables {
		if strings.Contains(upper, strings.ToUpper(table)) {
			referencesTable = true
			break
		}
	}
	if referencesTable {
		score += 0.2
		notes = append(notes, "references known table")
	} else {
		score -= 0.3
		notes = append(notes, "no known table referenced")
	}

	if limit, ok := extractLimit(upper); ok {
		if limit <= g.maxOutputRows {
			score += 0.1
			notes = append(notes, "row cap present")
		}
		// A ranking query legitimately returns exactly its top-N; anything
		// else capped this thin is unlikely to be a confident answer.
		if limit < g.minQualityRows && !(semantic == SemanticRanking && limit == topN) {
			score -= 0.1
			notes = append(notes, fmt.Sprintf("fewer than %d rows requested", g.minQualityRows))
		}
	}

	if window != nil {
		if strings.Contains(upper, window.StartDate.Format(dateLayout)) ||
			strings.Contains(upper, "BETWEEN") || strings.Contains(upper, ">=") {
			score += 0.1
			notes = append(notes, "time filter present")
		}
	}

	switch semantic {
	case SemanticRanking:
		if strings.Contains(upper, "ORDER BY") && strings.Contains(upper, "DESC") {
			score += 0.1
			notes = append(notes, fmt.Sprintf("ranking shape ok (top %d)", topN))
		}
	case SemanticCompare:
		if strings.Contains(upper, "CASE") || strings.Contains(upper, "JOIN") || strings.Count(upper, "SUM(") >= 2 {
			score += 0.1
			notes = append(notes, "comparison shape ok")
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score, strings.Join(notes, "; ")
}

var limitRegex = regexp.MustCompile(`LIMIT\s+(\d+)`)

func extractLimit(upperSQL string) (int, bool) {
	m := limitRegex.FindStringSubmatch(upperSQL)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
