package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoSchema "github.com/cloudwego/eino/schema"
)

// ========== 测试辅助：可编程的聊天模型 ==========

type scriptedChatModel struct {
	responses []string
	errs      []error
	calls     int
	lastInput []*einoSchema.Message
}

func (m *scriptedChatModel) BindTools(tools []*einoSchema.ToolInfo) error { return nil }

func (m *scriptedChatModel) Generate(ctx context.Context, input []*einoSchema.Message, opts ...model.Option) (*einoSchema.Message, error) {
	idx := m.calls
	m.calls++
	m.lastInput = input
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	content := ""
	if idx < len(m.responses) {
		content = m.responses[idx]
	} else if len(m.responses) > 0 {
		content = m.responses[len(m.responses)-1]
	}
	return &einoSchema.Message{Role: einoSchema.Assistant, Content: content}, nil
}

func (m *scriptedChatModel) Stream(ctx context.Context, input []*einoSchema.Message, opts ...model.Option) (*einoSchema.StreamReader[*einoSchema.Message], error) {
	return nil, nil
}

func testLimiter() *LLMRateLimiter {
	return NewLLMRateLimiter(2, 0, 5*time.Second)
}

func testSchema() *SchemaContext {
	return &SchemaContext{
		Tables: []string{"orders", "products"},
		Columns: map[string][]string{
			"orders":   {"id", "product_id", "amount", "order_date"},
			"products": {"id", "name", "category"},
		},
	}
}

// ========== 语义类型推断 ==========

func TestInferSemanticType(t *testing.T) {
	cases := []struct {
		intent   string
		wantType SemanticType
		wantN    int
	}{
		{"销售额前10名的产品", SemanticRanking, 10},
		{"top 5 products by revenue", SemanticRanking, 5},
		{"产品销量排名", SemanticRanking, 10},
		{"本月销售额同比增长", SemanticCompare, 0},
		{"revenue year-over-year change", SemanticCompare, 0},
		{"环比变化", SemanticCompare, 0},
		{"总销售额", "", 0},
		{"sum of order amounts", "", 0},
	}

	for _, tc := range cases {
		gotType, gotN := inferSemanticType(tc.intent)
		if gotType != tc.wantType {
			t.Errorf("inferSemanticType(%q) type = %q, want %q", tc.intent, gotType, tc.wantType)
		}
		if gotN != tc.wantN {
			t.Errorf("inferSemanticType(%q) n = %d, want %d", tc.intent, gotN, tc.wantN)
		}
	}
}

// ========== SQL 提取与只读校验 ==========

func TestExtractSQL(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"sql fence", "Here you go:\n```sql\nSELECT 1\n```\nDone.", "SELECT 1"},
		{"generic fence", "```\nSELECT 2\n```", "SELECT 2"},
		{"bare", "  SELECT 3  ", "SELECT 3"},
		{"multiline", "```sql\nSELECT a,\n       b\nFROM t\n```", "SELECT a,\n       b\nFROM t"},
	}
	for _, tc := range cases {
		if got := extractSQL(tc.content); got != tc.want {
			t.Errorf("%s: extractSQL = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestIsReadOnlySQL(t *testing.T) {
	if !isReadOnlySQL("SELECT * FROM orders") {
		t.Error("plain SELECT should be read-only")
	}
	if !isReadOnlySQL("WITH t AS (SELECT 1) SELECT * FROM t") {
		t.Error("CTE should be read-only")
	}
	if !isReadOnlySQL("-- comment\nSELECT 1") {
		t.Error("leading comment should be stripped")
	}
	if isReadOnlySQL("DELETE FROM orders") {
		t.Error("DELETE must be rejected")
	}
	if isReadOnlySQL("UPDATE orders SET amount = 0") {
		t.Error("UPDATE must be rejected")
	}
}

// ========== 生成：成功路径 ==========

func TestGenerate_Success(t *testing.T) {
	mock := &scriptedChatModel{
		responses: []string{"```sql\nSELECT product_id, SUM(amount) AS total FROM orders WHERE order_date BETWEEN '2024-09-16' AND '2024-09-22' GROUP BY product_id ORDER BY total DESC LIMIT 10\n```"},
	}
	gen := NewLLMSqlGenerator(mock, nil, nil, testLimiter(), 5000, 10, nil)

	window := &TimeWindow{
		StartDate:   time.Date(2024, 9, 16, 0, 0, 0, 0, time.Local),
		EndDate:     time.Date(2024, 9, 22, 0, 0, 0, 0, time.Local),
		Granularity: GranWeekly,
	}
	result := gen.Generate(context.Background(), QuerySpec{Intent: "销售额前10名的产品"}, testSchema(), window, BusinessContext{})

	if result.IsFallback() {
		t.Fatalf("expected real SQL, got fallback (reasoning=%s)", result.Reasoning)
	}
	if !strings.Contains(result.SQL, "FROM orders") {
		t.Errorf("SQL should query orders table: %s", result.SQL)
	}
	if result.QualityScore < 0.8 {
		t.Errorf("well-formed ranking SQL should score high, got %.2f", result.QualityScore)
	}
	if mock.lastInput[0].Role != einoSchema.System {
		t.Error("first message must be the system prompt")
	}
	prompt := mock.lastInput[1].Content
	if !strings.Contains(prompt, "orders") || !strings.Contains(prompt, "order_date") {
		t.Error("prompt must carry the schema inventory")
	}
	if !strings.Contains(prompt, "2024-09-16") || !strings.Contains(prompt, "2024-09-22") {
		t.Error("prompt must carry the time window")
	}
	if !strings.Contains(prompt, "RANKING") {
		t.Error("prompt must carry the ranking guidance")
	}
}

// ========== 生成：重试后成功 ==========

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	mock := &scriptedChatModel{
		errs:      []error{errors.New("upstream 429"), nil},
		responses: []string{"", "```sql\nSELECT name FROM products LIMIT 20\n```"},
	}
	gen := NewLLMSqlGenerator(mock, nil, nil, testLimiter(), 5000, 10, nil)

	result := gen.Generate(context.Background(), QuerySpec{Intent: "list products"}, testSchema(), nil, BusinessContext{})
	if result.IsFallback() {
		t.Fatal("transient error should be retried, not surfaced as fallback")
	}
	if mock.calls != 2 {
		t.Errorf("expected 2 model calls, got %d", mock.calls)
	}
}

// ========== 生成：失败被封闭为回退哨兵 ==========

func TestGenerate_FallbackContainment(t *testing.T) {
	cases := []struct {
		name string
		mock *scriptedChatModel
	}{
		{"persistent model error", &scriptedChatModel{
			errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom"), errors.New("boom")},
		}},
		{"non-select output", &scriptedChatModel{
			responses: []string{"```sql\nDROP TABLE orders\n```", "```sql\nDROP TABLE orders\n```", "```sql\nDROP TABLE orders\n```", "```sql\nDROP TABLE orders\n```"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := NewLLMSqlGenerator(tc.mock, nil, nil, testLimiter(), 5000, 10, nil)
			result := gen.Generate(context.Background(), QuerySpec{Intent: "anything"}, testSchema(), nil, BusinessContext{})
			if !result.IsFallback() {
				t.Fatalf("expected fallback sentinel, got %q", result.SQL)
			}
			if result.QualityScore != 0.0 {
				t.Errorf("fallback must carry quality 0.0, got %.2f", result.QualityScore)
			}
			if result.Reasoning != FallbackReasoning {
				t.Errorf("fallback must carry reasoning %q, got %q", FallbackReasoning, result.Reasoning)
			}
		})
	}
}

func TestGenerate_EmptySchemaWithoutDiscovery(t *testing.T) {
	mock := &scriptedChatModel{responses: []string{"```sql\nSELECT 1\n```"}}
	gen := NewLLMSqlGenerator(mock, nil, nil, testLimiter(), 5000, 10, nil)

	result := gen.Generate(context.Background(), QuerySpec{Intent: "anything"}, &SchemaContext{}, nil, BusinessContext{})
	if !result.IsFallback() {
		t.Fatal("no schema and no discovery must yield the fallback sentinel")
	}
	if mock.calls != 0 {
		t.Error("model must not be called without a schema")
	}
}

// ========== 质量评分 ==========

func TestScoreSQL(t *testing.T) {
	gen := NewLLMSqlGenerator(nil, nil, nil, testLimiter(), 5000, 10, nil)
	schema := testSchema()
	window := &TimeWindow{
		StartDate: time.Date(2024, 9, 1, 0, 0, 0, 0, time.Local),
		EndDate:   time.Date(2024, 9, 30, 0, 0, 0, 0, time.Local),
	}

	good, _ := gen.scoreSQL("SELECT product_id, SUM(amount) FROM orders WHERE order_date >= '2024-09-01' GROUP BY product_id ORDER BY 2 DESC LIMIT 10", schema, window, SemanticRanking, 10)
	if good < 0.9 {
		t.Errorf("fully conforming SQL should score >= 0.9, got %.2f", good)
	}

	unknown, _ := gen.scoreSQL("SELECT * FROM customers", schema, nil, "", 0)
	if unknown >= 0.5 {
		t.Errorf("SQL over an unknown table must score below 0.5, got %.2f", unknown)
	}

	huge, _ := gen.scoreSQL("SELECT * FROM orders LIMIT 999999", schema, nil, "", 0)
	capped, _ := gen.scoreSQL("SELECT * FROM orders LIMIT 100", schema, nil, "", 0)
	if huge >= capped {
		t.Errorf("oversized LIMIT should not score as well as a capped one (%.2f vs %.2f)", huge, capped)
	}

	// minQualityRows is 10: a 3-row cap on a plain aggregate reads as a
	// thin, low-confidence result, but a top-5 ranking asks for exactly 5.
	thin, thinNotes := gen.scoreSQL("SELECT * FROM orders LIMIT 3", schema, nil, "", 0)
	if thin >= capped {
		t.Errorf("LIMIT below the quality floor must score lower (%.2f vs %.2f)", thin, capped)
	}
	if !strings.Contains(thinNotes, "fewer than 10 rows") {
		t.Errorf("thin result must be noted in the reasoning, got %q", thinNotes)
	}
	topFive, topNotes := gen.scoreSQL("SELECT product_id, SUM(amount) FROM orders GROUP BY product_id ORDER BY 2 DESC LIMIT 5", schema, nil, SemanticRanking, 5)
	if strings.Contains(topNotes, "fewer than 10 rows") {
		t.Errorf("an exact top-N ranking must not be penalized, got %q", topNotes)
	}
	if topFive <= thin {
		t.Errorf("ranking with matching top-N should outscore a thin aggregate (%.2f vs %.2f)", topFive, thin)
	}
}
