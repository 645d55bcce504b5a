package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"reportbi/i18n"
)

// PipelineState is the orchestrator's run state.
type PipelineState string

const (
	StateInit   PipelineState = "INIT"
	StatePhase1 PipelineState = "PHASE1_ANALYSIS"
	StatePhase2 PipelineState = "PHASE2_EXECUTION"
	StateDone   PipelineState = "DONE"
	StateFailed PipelineState = "FAILED"
)

// RunRequest describes one report generation run. The schedule fields come
// from the external scheduler.
type RunRequest struct {
	TemplateID     string      `json:"template_id"`
	DataSourceID   string      `json:"data_source_id"`
	CronExpr       string      `json:"cron_expr"`
	ExecutionTime  time.Time   `json:"execution_time"`
	Granularity    Granularity `json:"granularity,omitempty"`
	Description    string      `json:"description,omitempty"`
	ForceReanalyze bool        `json:"force_reanalyze,omitempty"`
}

// Orchestrator sequences the pipeline: Phase 1 analyzes the template
// (scan, schema, SQL generation, cache), Phase 2 executes and assembles the
// report. Phase 1 failures are fatal to the run; Phase 2 failures degrade
// single placeholders to error markers.
// SchemaPort is the schema discovery capability the orchestrator depends on.
type SchemaPort interface {
	Introspect(ctx context.Context, dataSourceID string) (*SchemaContext, error)
}

type Orchestrator struct {
	templates TemplateStore
	discovery SchemaPort
	generator SqlGenerationPort
	executor  SqlExecutionPort
	cache     *ResultCache
	renderer  ChartRenderPort
	replacer  *TemplateReplacer
	logger    func(string)

	readyThreshold float64
	maxWorkers     int

	mu    sync.Mutex
	state PipelineState
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(
	templates TemplateStore,
	discovery SchemaPort,
	generator SqlGenerationPort,
	executor SqlExecutionPort,
	cache *ResultCache,
	renderer ChartRenderPort,
	readyThreshold float64,
	maxWorkers int,
	logger func(string),
) *Orchestrator {
	if readyThreshold <= 0 || readyThreshold > 1 {
		readyThreshold = 0.6
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Orchestrator{
		templates:      templates,
		discovery:      discovery,
		generator:      generator,
		executor:       executor,
		cache:          cache,
		renderer:       renderer,
		replacer:       NewTemplateReplacer(logger),
		logger:         logger,
		readyThreshold: readyThreshold,
		maxWorkers:     maxWorkers,
		state:          StateInit,
	}
}

func (o *Orchestrator) log(msg string) {
	if o.logger != nil {
		o.logger(msg)
	}
}

// State returns the current run state.
func (o *Orchestrator) State() PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s PipelineState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) failed(msg string) *ReportResult {
	o.setState(StateFailed)
	o.log(fmt.Sprintf("[PIPELINE] run failed: %s", msg))
	return &ReportResult{Success: false, Error: msg, Resolved: map[string]ResolvedValue{}}
}

// Run executes one full report generation.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) *ReportResult {
	o.setState(StateInit)

	content, err := o.templates.GetTemplate(req.TemplateID)
	if err != nil {
		return o.failed(i18n.T("pipeline.template_not_found", req.TemplateID))
	}

	var period *TimePeriod
	var window *TimeWindow
	if req.CronExpr != "" || req.Granularity != "" {
		resolved := ResolveTimeWindow(req.CronExpr, req.ExecutionTime, req.Granularity)
		period = &resolved
		window = &resolved.Window
	}

	scanner := NewPlaceholderScanner(o.cache, o.logger)
	specs := scanner.Scan(req.TemplateID, content, req.DataSourceID)

	biz := BusinessContext{
		TemplateID:   req.TemplateID,
		DataSourceID: req.DataSourceID,
		Description:  req.Description,
	}

	// ---- Phase 1: analysis ----
	o.setState(StatePhase1)
	phase1Start := time.Now()

	failMsg := o.runPhase1(ctx, specs, window, biz, content, req.ForceReanalyze)
	phase1Ms := time.Since(phase1Start).Milliseconds()
	if failMsg != "" {
		result := o.failed(failMsg)
		result.Phase1Ms = phase1Ms
		return result
	}

	// ---- Phase 2: execution ----
	o.setState(StatePhase2)
	phase2Start := time.Now()

	resolved, artifacts, cancelled := o.runPhase2(ctx, specs, window, period, biz)
	phase2Ms := time.Since(phase2Start).Milliseconds()
	if cancelled {
		result := o.failed(i18n.T("pipeline.cancelled"))
		result.Phase1Ms = phase1Ms
		result.Phase2Ms = phase2Ms
		return result
	}

	output := o.replacer.Replace(content, period, resolved)

	if err := o.cache.Save(); err != nil {
		o.log(fmt.Sprintf("[PIPELINE] cache save failed: %v", err))
	}

	o.setState(StateDone)
	o.log(i18n.T("pipeline.phase2_done", len(artifacts)))
	return &ReportResult{
		Success:   true,
		Content:   output,
		Artifacts: artifacts,
		Resolved:  resolved,
		Phase1Ms:  phase1Ms,
		Phase2Ms:  phase2Ms,
	}
}

// sqlBacked reports whether the placeholder needs generated SQL (statistical
// without an inline expression, or chart).
func sqlBacked(spec PlaceholderSpec) bool {
	if spec.Kind == KindChart {
		return true
	}
	return spec.Kind == KindStatistical && spec.Parameters["expr"] == ""
}

// queryIntent builds the generation request for a placeholder. Chart
// directives pass their parsed title so the model sees a natural-language
// intent, not directive syntax.
func queryIntent(spec PlaceholderSpec) QuerySpec {
	intent := spec.RawText
	if spec.Kind == KindChart && spec.Parameters["title"] != "" {
		intent = spec.Parameters["title"]
	}
	return QuerySpec{Intent: intent}
}

// runPhase1 discovers the schema and ensures every SQL-backed placeholder
// has a cached sql-ready entry. Returns a non-empty failure message when the
// run cannot proceed.
func (o *Orchestrator) runPhase1(ctx context.Context, specs []PlaceholderSpec, window *TimeWindow, biz BusinessContext, content string, force bool) string {
	analyzable := make([]PlaceholderSpec, 0, len(specs))
	for _, spec := range specs {
		if sqlBacked(spec) {
			analyzable = append(analyzable, spec)
		}
	}
	if len(analyzable) == 0 {
		o.cache.RecordTemplateHash(biz.TemplateID, HashTemplateContent(content))
		return ""
	}

	schema, err := o.discovery.Introspect(ctx, biz.DataSourceID)
	if err != nil {
		return i18n.T("pipeline.schema_failed", err.Error())
	}

	succeeded := 0
	for _, spec := range analyzable {
		spec := spec
		key := ComputeCacheKey(spec.RawText, biz.DataSourceID, biz.TemplateID, window)

		reuse := !force && !spec.NeedsReanalysis
		if reuse {
			if entry, ok := o.cache.Lookup(key); ok && entry.IsSQLReady {
				if entry.DataQualityScore > 0 {
					succeeded++
				}
				continue
			}
		}

		entry, _, err := o.cache.DoRegenerate(key, func(e *CacheEntry) bool { return reuse && e.IsSQLReady }, func(prev *CacheEntry) (*CacheEntry, error) {
			result := o.generator.Generate(ctx, queryIntent(spec), schema, window, biz)
			return &CacheEntry{
				TemplateID:       biz.TemplateID,
				DataSourceID:     biz.DataSourceID,
				PlaceholderText:  spec.RawText,
				GeneratedSQL:     result.SQL,
				SQLMetadata:      map[string]string{"reasoning": result.Reasoning},
				DataQualityScore: result.QualityScore,
				IsSQLReady:       true,
				StageCompleted:   StageSQLReady,
			}, nil
		})
		if err != nil {
			o.log(fmt.Sprintf("[PIPELINE] analysis of %q failed: %v", spec.RawText, err))
			continue
		}
		if entry.DataQualityScore > 0 {
			succeeded++
		}
	}

	o.cache.RecordTemplateHash(biz.TemplateID, HashTemplateContent(content))
	o.log(i18n.T("pipeline.phase1_done", succeeded, len(analyzable)))

	fraction := float64(succeeded) / float64(len(analyzable))
	if fraction < o.readyThreshold {
		return i18n.T("pipeline.not_ready", fraction*100, o.readyThreshold*100)
	}
	return ""
}

// runPhase2 resolves every placeholder. SQL-backed placeholders fan out on a
// bounded worker pool; inline expressions evaluate afterwards against the
// resolved scalars. Cancellation is checked between placeholders only.
func (o *Orchestrator) runPhase2(ctx context.Context, specs []PlaceholderSpec, window *TimeWindow, period *TimePeriod, biz BusinessContext) (map[string]ResolvedValue, []string, bool) {
	resolved := make(map[string]ResolvedValue, len(specs))
	var artifacts []string
	var mu sync.Mutex

	pool := pond.NewPool(o.maxWorkers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	cancelled := false
	var calcSpecs []PlaceholderSpec

	for _, spec := range specs {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		switch {
		case spec.Kind == KindPeriod:
			// handled directly by the replacer from the time context
		case spec.Parameters["expr"] != "":
			calcSpecs = append(calcSpecs, spec)
		default:
			spec := spec
			group.Submit(func() {
				value, artifact := o.resolveOne(ctx, spec, window, period, biz)
				mu.Lock()
				resolved[spec.RawText] = value
				if artifact != "" {
					artifacts = append(artifacts, artifact)
				}
				mu.Unlock()
			})
		}
	}
	_ = group.Wait()

	if cancelled {
		return resolved, artifacts, true
	}

	// inline expressions see the scalars resolved above
	values := make(map[string]float64)
	for raw, value := range resolved {
		if value.Error != "" {
			continue
		}
		if v, err := strconv.ParseFloat(value.Value, 64); err == nil {
			values[raw] = v
		}
	}
	for _, spec := range calcSpecs {
		if ctx.Err() != nil {
			return resolved, artifacts, true
		}
		v, err := EvalExpression(spec.Parameters["expr"], values)
		if err != nil {
			o.log(fmt.Sprintf("[PIPELINE] expression %q failed: %v", spec.Parameters["expr"], err))
			resolved[spec.RawText] = ResolvedValue{Kind: KindStatistical, Error: err.Error()}
			continue
		}
		resolved[spec.RawText] = ResolvedValue{
			Kind:        KindStatistical,
			Value:       formatNumber(v),
			Description: DescribeScalar(period),
		}
	}

	return resolved, artifacts, false
}

// resolveOne resolves a single SQL-backed placeholder: from cache when the
// data stage is already present, otherwise executing the cached SQL exactly
// once per key.
func (o *Orchestrator) resolveOne(ctx context.Context, spec PlaceholderSpec, window *TimeWindow, period *TimePeriod, biz BusinessContext) (ResolvedValue, string) {
	key := ComputeCacheKey(spec.RawText, biz.DataSourceID, biz.TemplateID, window)

	needChart := spec.Kind == KindChart
	usable := func(e *CacheEntry) bool {
		if e.RawData == nil {
			return false
		}
		return !needChart || e.StageCompleted == StageChartComplete
	}

	entry, hit, err := o.cache.DoRegenerate(key, usable, func(prev *CacheEntry) (*CacheEntry, error) {
		return o.regenerateEntry(ctx, spec, prev, window, biz)
	})
	if err != nil {
		o.log(fmt.Sprintf("[PIPELINE] resolution of %q failed: %v", spec.RawText, err))
		return ResolvedValue{Kind: spec.Kind, Error: err.Error()}, ""
	}
	if hit {
		o.log(fmt.Sprintf("[PIPELINE] %q served from cache (hits=%d)", spec.RawText, entry.HitCount))
	}

	// a fallback stub executed uniformly, but its value is meaningless
	if entry.SQLMetadata["reasoning"] == FallbackReasoning {
		return ResolvedValue{Kind: spec.Kind, Error: FallbackReasoning}, ""
	}

	if needChart {
		path, err := o.renderer.Render(ctx, entry.ChartConfig, spec.Parameters["title"])
		if err != nil {
			o.log(fmt.Sprintf("[PIPELINE] chart render for %q failed: %v", spec.RawText, err))
			return ResolvedValue{Kind: KindChart, Error: err.Error()}, ""
		}
		return ResolvedValue{Kind: KindChart, Value: path}, path
	}

	scalar, ok := PrimaryScalar(entry.RawData)
	if !ok {
		return ResolvedValue{Kind: spec.Kind, Error: "empty result"}, ""
	}
	return ResolvedValue{
		Kind:        spec.Kind,
		Value:       scalar,
		Description: DescribeScalar(period),
		Columns:     entry.RawData.Columns,
		Rows:        entry.RawData.Rows,
	}, ""
}

// regenerateEntry builds or upgrades the cache entry for one placeholder:
// reuse the prior stage's SQL when present, generate otherwise, then execute
// and (for charts) shape.
func (o *Orchestrator) regenerateEntry(ctx context.Context, spec PlaceholderSpec, prev *CacheEntry, window *TimeWindow, biz BusinessContext) (*CacheEntry, error) {
	var entry CacheEntry
	if prev != nil {
		entry = *prev
	} else {
		entry = CacheEntry{
			TemplateID:      biz.TemplateID,
			DataSourceID:    biz.DataSourceID,
			PlaceholderText: spec.RawText,
		}
	}

	if entry.GeneratedSQL == "" {
		result := o.generator.Generate(ctx, queryIntent(spec), nil, window, biz)
		entry.GeneratedSQL = result.SQL
		entry.SQLMetadata = map[string]string{"reasoning": result.Reasoning}
		entry.DataQualityScore = result.QualityScore
	}
	entry.IsSQLReady = true
	entry.StageCompleted = StageSQLReady

	if entry.RawData == nil {
		data, err := o.executor.Execute(ctx, biz.DataSourceID, entry.GeneratedSQL)
		if err != nil {
			return nil, err
		}
		entry.RawData = data
		entry.ProcessedData = data
	}

	if spec.Kind == KindChart && entry.SQLMetadata["reasoning"] != FallbackReasoning {
		chart, err := ShapeChart(entry.RawData.Columns, entry.RawData.Rows, spec.Parameters["type"], spec.Parameters["title"])
		if err != nil {
			return nil, err
		}
		entry.ChartType = chart.ChartType
		entry.ChartConfig = chart
		entry.ChartMetadata = map[string]string{"title": spec.Parameters["title"]}
		entry.StageCompleted = StageChartComplete
	}

	return &entry, nil
}

// formatNumber renders a float the way report text expects: no scientific
// notation, no trailing zeros.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
