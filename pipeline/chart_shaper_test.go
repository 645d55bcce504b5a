package pipeline

import (
	"reflect"
	"testing"
)

func TestShapeChart_CategoriesAndSeries(t *testing.T) {
	columns := []string{"product", "total", "orders"}
	rows := [][]interface{}{
		{"widget", 200.5, int64(3)},
		{"gadget", 300.0, int64(1)},
	}

	data, err := ShapeChart(columns, rows, "", "销售对比")
	if err != nil {
		t.Fatalf("ShapeChart failed: %v", err)
	}
	if data.ChartType != "bar" {
		t.Errorf("default chart type should be bar, got %s", data.ChartType)
	}
	if !reflect.DeepEqual(data.Categories, []string{"widget", "gadget"}) {
		t.Errorf("unexpected categories: %v", data.Categories)
	}
	if len(data.Series) != 2 {
		t.Fatalf("expected 2 numeric series, got %d", len(data.Series))
	}
	if data.Series[0].Name != "total" || !reflect.DeepEqual(data.Series[0].Values, []float64{200.5, 300.0}) {
		t.Errorf("unexpected first series: %+v", data.Series[0])
	}
	if data.Series[1].Name != "orders" || !reflect.DeepEqual(data.Series[1].Values, []float64{3, 1}) {
		t.Errorf("unexpected second series: %+v", data.Series[1])
	}
}

func TestShapeChart_ExplicitType(t *testing.T) {
	data, err := ShapeChart([]string{"month", "revenue"}, [][]interface{}{{"2024-08", 100.0}}, "line", "")
	if err != nil {
		t.Fatalf("ShapeChart failed: %v", err)
	}
	if data.ChartType != "line" {
		t.Errorf("explicit chart type must win, got %s", data.ChartType)
	}
}

func TestShapeChart_NumericStringsCountAsNumbers(t *testing.T) {
	// SQLite often hands numerics back as text
	data, err := ShapeChart([]string{"region", "amount"}, [][]interface{}{
		{"north", "120.5"},
		{"south", "80"},
	}, "", "")
	if err != nil {
		t.Fatalf("ShapeChart failed: %v", err)
	}
	if !reflect.DeepEqual(data.Series[0].Values, []float64{120.5, 80}) {
		t.Errorf("numeric strings should parse into the series: %+v", data.Series[0])
	}
}

func TestShapeChart_AllNumericColumns(t *testing.T) {
	data, err := ShapeChart([]string{"x", "y"}, [][]interface{}{
		{1.0, 10.0},
		{2.0, 20.0},
	}, "", "")
	if err != nil {
		t.Fatalf("ShapeChart failed: %v", err)
	}
	if !reflect.DeepEqual(data.Categories, []string{"1", "2"}) {
		t.Errorf("all-numeric results should get positional categories: %v", data.Categories)
	}
	if len(data.Series) != 2 {
		t.Errorf("both numeric columns should become series, got %d", len(data.Series))
	}
}

func TestShapeChart_NoNumericColumn(t *testing.T) {
	if _, err := ShapeChart([]string{"a", "b"}, [][]interface{}{{"x", "y"}}, "", ""); err == nil {
		t.Error("a result without numeric columns cannot be shaped")
	}
}

func TestShapeChart_NoColumns(t *testing.T) {
	if _, err := ShapeChart(nil, nil, "", ""); err == nil {
		t.Error("empty column set must error")
	}
}
