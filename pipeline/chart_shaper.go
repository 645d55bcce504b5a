package pipeline

import (
	"fmt"
	"strconv"
)

// ChartSeries is one named numeric series.
type ChartSeries struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ChartData is the chart-ready shape handed to the external renderer.
// No pixels are produced here.
type ChartData struct {
	ChartType  string        `json:"chart_type"`
	Title      string        `json:"title,omitempty"`
	Categories []string      `json:"categories"`
	Series     []ChartSeries `json:"series"`
}

const DefaultChartType = "bar"

// ShapeChart converts tabular results into chart-ready data. The first
// non-numeric column becomes the category axis; every numeric column becomes
// a series. chartType may be empty (defaults to bar).
func ShapeChart(columns []string, rows [][]interface{}, chartType, title string) (*ChartData, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("no columns to shape")
	}
	if chartType == "" {
		chartType = DefaultChartType
	}

	numericCols := make([]bool, len(columns))
	for i := range columns {
		numericCols[i] = columnIsNumeric(rows, i)
	}

	categoryIdx := -1
	for i, numeric := range numericCols {
		if !numeric {
			categoryIdx = i
			break
		}
	}

	data := &ChartData{ChartType: chartType, Title: title}

	for rowIdx, row := range rows {
		if categoryIdx >= 0 && categoryIdx < len(row) {
			data.Categories = append(data.Categories, stringifyCell(row[categoryIdx]))
		} else {
			// all-numeric result: positional categories
			data.Categories = append(data.Categories, strconv.Itoa(rowIdx+1))
		}
	}

	for colIdx, col := range columns {
		if colIdx == categoryIdx || !numericCols[colIdx] {
			continue
		}
		series := ChartSeries{Name: col, Values: make([]float64, 0, len(rows))}
		for _, row := range rows {
			if colIdx < len(row) {
				v, _ := numericCell(row[colIdx])
				series.Values = append(series.Values, v)
			} else {
				series.Values = append(series.Values, 0)
			}
		}
		data.Series = append(data.Series, series)
	}

	if len(data.Series) == 0 {
		return nil, fmt.Errorf("no numeric column found among %v", columns)
	}
	return data, nil
}

// columnIsNumeric reports whether every non-nil cell of column idx parses as
// a number. An all-nil column is not numeric.
func columnIsNumeric(rows [][]interface{}, idx int) bool {
	seen := false
	for _, row := range rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		if _, ok := numericCell(row[idx]); !ok {
			return false
		}
		seen = true
	}
	return seen
}

func numericCell(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

func stringifyCell(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
