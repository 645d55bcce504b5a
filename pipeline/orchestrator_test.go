package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ========== 测试替身 ==========

type mapTemplateStore struct {
	templates map[string]string
}

func (s *mapTemplateStore) GetTemplate(id string) (string, error) {
	content, ok := s.templates[id]
	if !ok {
		return "", &TemplateNotFoundError{TemplateID: id}
	}
	return content, nil
}

type fakeSchemaPort struct {
	schema *SchemaContext
	err    error
	calls  int32
}

func (f *fakeSchemaPort) Introspect(ctx context.Context, dataSourceID string) (*SchemaContext, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.schema, nil
}

// countingGenerator returns canned SQL per intent; intents in failFor get
// the fallback sentinel (like a model outage for that placeholder).
type countingGenerator struct {
	calls   int32
	failFor map[string]bool

	mu      sync.Mutex
	intents []string
}

func (g *countingGenerator) Generate(ctx context.Context, query QuerySpec, schema *SchemaContext, window *TimeWindow, biz BusinessContext) SqlGenerationResult {
	atomic.AddInt32(&g.calls, 1)
	g.mu.Lock()
	g.intents = append(g.intents, query.Intent)
	g.mu.Unlock()
	if g.failFor[query.Intent] {
		return SqlGenerationResult{SQL: FallbackSQL, QualityScore: 0.0, Reasoning: FallbackReasoning}
	}
	return SqlGenerationResult{
		SQL:          fmt.Sprintf("SELECT amount FROM orders WHERE intent = '%s'", query.Intent),
		QualityScore: 0.9,
		Reasoning:    "canned",
	}
}

// countingExecutor returns one scalar row for any query.
type countingExecutor struct {
	calls   int32
	failAll bool
}

func (e *countingExecutor) Execute(ctx context.Context, dataSourceID, query string) (*ExecutionResult, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.failAll {
		return nil, &SqlExecutionError{Reason: ExecFailConnection, DataSourceID: dataSourceID, Err: fmt.Errorf("warehouse down")}
	}
	return &ExecutionResult{
		Columns:     []string{"amount", "label"},
		Rows:        [][]interface{}{{1250.0, "total"}},
		RowsScanned: 1,
	}, nil
}

type fakeRenderer struct {
	calls int32
	err   error
}

func (r *fakeRenderer) Render(ctx context.Context, data *ChartData, name string) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.err != nil {
		return "", r.err
	}
	return "/artifacts/" + name + ".png", nil
}

const testTemplate = "报告{{周期}}\n" +
	"销售额：{{总销售额}}\n" +
	"订单数：{{订单数}}\n" +
	"客单价：{{calc:总销售额 / 订单数}}\n" +
	"{{chart:bar:销售图}}\n"

func newTestOrchestrator(gen SqlGenerationPort, exec SqlExecutionPort, renderer ChartRenderPort, schemaErr error) (*Orchestrator, *ResultCache) {
	store := &mapTemplateStore{templates: map[string]string{"tpl-1": testTemplate}}
	schemaPort := &fakeSchemaPort{schema: testSchema(), err: schemaErr}
	cache := NewResultCache(24, "", nil, nil)
	o := NewOrchestrator(store, schemaPort, gen, exec, cache, renderer, 0.6, 4, nil)
	return o, cache
}

func dailyRequest() RunRequest {
	return RunRequest{
		TemplateID:    "tpl-1",
		DataSourceID:  "ds-1",
		CronExpr:      "0 9 * * *",
		ExecutionTime: time.Date(2024, 9, 26, 9, 0, 0, 0, time.Local),
	}
}

// ========== 完整流水线 ==========

func TestRun_FullPipeline(t *testing.T) {
	gen := &countingGenerator{}
	exec := &countingExecutor{}
	renderer := &fakeRenderer{}
	o, _ := newTestOrchestrator(gen, exec, renderer, nil)

	result := o.Run(context.Background(), dailyRequest())

	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if o.State() != StateDone {
		t.Errorf("state = %s, want DONE", o.State())
	}
	if strings.Contains(result.Content, "{{") {
		t.Errorf("content still has raw markers:\n%s", result.Content)
	}
	if !strings.Contains(result.Content, "2024-09-25") {
		t.Error("daily window (yesterday) not substituted into the period")
	}
	if !strings.Contains(result.Content, "销售额：1250") {
		t.Errorf("scalar not substituted:\n%s", result.Content)
	}
	if len(result.Artifacts) != 1 || !strings.Contains(result.Artifacts[0], "销售图") {
		t.Errorf("expected one chart artifact, got %v", result.Artifacts)
	}
	if v, ok := result.Resolved["chart:bar:销售图"]; !ok || v.Error != "" {
		t.Errorf("chart placeholder not resolved: %+v", v)
	}
	if result.Phase1Ms < 0 || result.Phase2Ms < 0 {
		t.Error("phase timings must be non-negative")
	}
	// 客单价 references the two statistical scalars, both 1250
	if v := result.Resolved["calc:总销售额 / 订单数"]; v.Error != "" || v.Value != "1" {
		t.Errorf("expression placeholder = %+v, want value 1", v)
	}
}

// ========== 幂等性：重跑不产生新的生成/执行调用（场景 D）==========

func TestRun_SecondRunServedFromCache(t *testing.T) {
	gen := &countingGenerator{}
	exec := &countingExecutor{}
	o, cache := newTestOrchestrator(gen, exec, &fakeRenderer{}, nil)

	req := dailyRequest()
	first := o.Run(context.Background(), req)
	if !first.Success {
		t.Fatalf("first run failed: %s", first.Error)
	}
	genAfterFirst := atomic.LoadInt32(&gen.calls)
	execAfterFirst := atomic.LoadInt32(&exec.calls)

	second := o.Run(context.Background(), req)
	if !second.Success {
		t.Fatalf("second run failed: %s", second.Error)
	}
	if atomic.LoadInt32(&gen.calls) != genAfterFirst {
		t.Errorf("second run must not call the generator (was %d, now %d)", genAfterFirst, gen.calls)
	}
	if atomic.LoadInt32(&exec.calls) != execAfterFirst {
		t.Errorf("second run must not execute SQL (was %d, now %d)", execAfterFirst, exec.calls)
	}

	key := ComputeCacheKey("总销售额", "ds-1", "tpl-1", windowFor(req))
	entry, ok := cache.Lookup(key)
	if !ok {
		t.Fatal("cache entry missing after two runs")
	}
	if entry.HitCount != 1 {
		t.Errorf("hit_count after second resolution = %d, want 1", entry.HitCount)
	}
}

func windowFor(req RunRequest) *TimeWindow {
	period := ResolveTimeWindow(req.CronExpr, req.ExecutionTime, req.Granularity)
	return &period.Window
}

// ========== 模板内容变更触发重新分析 ==========

func TestRun_TemplateEditTriggersReanalysis(t *testing.T) {
	gen := &countingGenerator{}
	exec := &countingExecutor{}
	store := &mapTemplateStore{templates: map[string]string{"tpl-1": testTemplate}}
	cache := NewResultCache(24, "", nil, nil)
	o := NewOrchestrator(store, &fakeSchemaPort{schema: testSchema()}, gen, exec,
		cache, &fakeRenderer{}, 0.6, 4, nil)

	req := dailyRequest()
	if r := o.Run(context.Background(), req); !r.Success {
		t.Fatalf("first run failed: %s", r.Error)
	}
	genAfterFirst := atomic.LoadInt32(&gen.calls)
	execAfterFirst := atomic.LoadInt32(&exec.calls)

	// same placeholders, new surrounding prose: the content hash changes
	store.templates["tpl-1"] = "改版 v2\n" + testTemplate

	second := o.Run(context.Background(), req)
	if !second.Success {
		t.Fatalf("second run failed: %s", second.Error)
	}
	if atomic.LoadInt32(&gen.calls) <= genAfterFirst {
		t.Errorf("edited template must regenerate SQL (calls: %d before, %d after)",
			genAfterFirst, gen.calls)
	}
	if atomic.LoadInt32(&exec.calls) <= execAfterFirst {
		t.Errorf("regenerated SQL must re-execute (calls: %d before, %d after)",
			execAfterFirst, exec.calls)
	}
	if strings.Contains(second.Content, "{{") {
		t.Error("edited template must still fully substitute")
	}

	// an unchanged template afterwards goes back to cache serving
	settled := atomic.LoadInt32(&gen.calls)
	if r := o.Run(context.Background(), req); !r.Success {
		t.Fatalf("third run failed: %s", r.Error)
	}
	if atomic.LoadInt32(&gen.calls) != settled {
		t.Error("unedited rerun must not regenerate again")
	}
}

// ========== 图表指令以标题作为生成意图 ==========

func TestRun_ChartIntentUsesTitle(t *testing.T) {
	gen := &countingGenerator{}
	o, _ := newTestOrchestrator(gen, &countingExecutor{}, &fakeRenderer{}, nil)

	if r := o.Run(context.Background(), dailyRequest()); !r.Success {
		t.Fatalf("run failed: %s", r.Error)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	sawTitle := false
	for _, intent := range gen.intents {
		if strings.HasPrefix(intent, "chart:") {
			t.Errorf("generation intent carries directive syntax: %q", intent)
		}
		if intent == "销售图" {
			sawTitle = true
		}
	}
	if !sawTitle {
		t.Errorf("chart placeholder must generate from its title, intents: %v", gen.intents)
	}
}

// ========== force_reanalyze 绕过缓存 ==========

func TestRun_ForceReanalyze(t *testing.T) {
	gen := &countingGenerator{}
	o, _ := newTestOrchestrator(gen, &countingExecutor{}, &fakeRenderer{}, nil)

	req := dailyRequest()
	o.Run(context.Background(), req)
	before := atomic.LoadInt32(&gen.calls)

	req.ForceReanalyze = true
	result := o.Run(context.Background(), req)
	if !result.Success {
		t.Fatalf("forced run failed: %s", result.Error)
	}
	if atomic.LoadInt32(&gen.calls) <= before {
		t.Error("force_reanalyze must regenerate SQL")
	}
}

// ========== 单点生成失败优雅降级（场景 E）==========

func TestRun_GenerationFailureDegradesGracefully(t *testing.T) {
	gen := &countingGenerator{failFor: map[string]bool{"订单数": true}}
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(gen, exec, &fakeRenderer{}, nil)

	result := o.Run(context.Background(), dailyRequest())

	if !result.Success {
		t.Fatalf("partial failure must still produce a report: %s", result.Error)
	}
	if !strings.Contains(result.Content, "[计算错误]") {
		t.Errorf("failed placeholder must show the error marker:\n%s", result.Content)
	}
	if v := result.Resolved["订单数"]; v.Error == "" {
		t.Error("failed placeholder must carry an error on its resolved value")
	}
	if v := result.Resolved["总销售额"]; v.Error != "" || v.Value == "" {
		t.Errorf("healthy placeholder must resolve normally: %+v", v)
	}
	if strings.Contains(result.Content, "{{") {
		t.Error("degraded run must still substitute every occurrence")
	}
}

// ========== 执行失败按占位符降级 ==========

func TestRun_ExecutionFailurePerPlaceholder(t *testing.T) {
	gen := &countingGenerator{}
	exec := &countingExecutor{failAll: true}
	o, _ := newTestOrchestrator(gen, exec, &fakeRenderer{}, nil)

	result := o.Run(context.Background(), dailyRequest())

	if !result.Success {
		t.Fatalf("execution failures are per-placeholder, run must succeed: %s", result.Error)
	}
	for _, raw := range []string{"总销售额", "订单数"} {
		if v := result.Resolved[raw]; v.Error == "" {
			t.Errorf("%s should carry the execution error", raw)
		}
	}
	if !strings.Contains(result.Content, "2024-09-25") {
		t.Error("period placeholders resolve even when every query fails")
	}
}

// ========== 共享前置失败是致命的 ==========

func TestRun_TemplateNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(&countingGenerator{}, &countingExecutor{}, &fakeRenderer{}, nil)
	result := o.Run(context.Background(), RunRequest{TemplateID: "missing", DataSourceID: "ds-1"})
	if result.Success {
		t.Fatal("missing template must fail the run")
	}
	if o.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", o.State())
	}
}

func TestRun_SchemaDiscoveryFailureIsFatal(t *testing.T) {
	o, _ := newTestOrchestrator(&countingGenerator{}, &countingExecutor{}, &fakeRenderer{},
		&SchemaDiscoveryError{DataSourceID: "ds-1", Err: fmt.Errorf("connection refused")})
	result := o.Run(context.Background(), dailyRequest())
	if result.Success {
		t.Fatal("schema discovery failure must abort the run")
	}
	if result.Error == "" {
		t.Error("fatal failure must carry a top-level error")
	}
}

// ========== 就绪阈值 ==========

func TestRun_ReadinessThreshold(t *testing.T) {
	// every SQL-backed placeholder falls back: 0% < 60%
	gen := &countingGenerator{failFor: map[string]bool{
		"总销售额": true, "订单数": true, "销售图": true,
	}}
	o, _ := newTestOrchestrator(gen, &countingExecutor{}, &fakeRenderer{}, nil)

	result := o.Run(context.Background(), dailyRequest())
	if result.Success {
		t.Fatal("run below the readiness threshold must fail")
	}
	if o.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", o.State())
	}
}

// ========== 取消 ==========

func TestRun_Cancellation(t *testing.T) {
	gen := &countingGenerator{}
	o, _ := newTestOrchestrator(gen, &countingExecutor{}, &fakeRenderer{}, nil)

	// warm the cache so phase 1 is instant, then cancel before phase 2
	if r := o.Run(context.Background(), dailyRequest()); !r.Success {
		t.Fatalf("warmup failed: %s", r.Error)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := o.Run(ctx, dailyRequest())
	if result.Success {
		t.Fatal("cancelled run must not report success")
	}
}

// ========== 图表渲染失败 ==========

func TestRun_ChartRenderFailure(t *testing.T) {
	renderer := &fakeRenderer{err: fmt.Errorf("renderer crashed")}
	o, _ := newTestOrchestrator(&countingGenerator{}, &countingExecutor{}, renderer, nil)

	result := o.Run(context.Background(), dailyRequest())
	if !result.Success {
		t.Fatalf("render failure is per-placeholder: %s", result.Error)
	}
	if !strings.Contains(result.Content, "[图表不可用]") {
		t.Errorf("chart failure must show the chart marker:\n%s", result.Content)
	}
	if len(result.Artifacts) != 0 {
		t.Errorf("no artifacts expected on render failure, got %v", result.Artifacts)
	}
}
