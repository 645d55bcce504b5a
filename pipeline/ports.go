package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TemplateStore supplies template text. The store is read-only to the
// pipeline; templates are owned elsewhere.
type TemplateStore interface {
	GetTemplate(templateID string) (string, error)
}

// FileTemplateStore reads templates from <dir>/<id>.md, falling back to
// <id>.txt.
type FileTemplateStore struct {
	dir string
}

func NewFileTemplateStore(dir string) *FileTemplateStore {
	return &FileTemplateStore{dir: dir}
}

func (s *FileTemplateStore) GetTemplate(templateID string) (string, error) {
	for _, ext := range []string{".md", ".txt"} {
		data, err := os.ReadFile(filepath.Join(s.dir, templateID+ext))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", WrapError("TemplateStore", "GetTemplate", err)
		}
	}
	return "", &TemplateNotFoundError{TemplateID: templateID}
}

// ChartRenderPort turns chart-ready data into a physical artifact and
// returns its path. Pixel rendering lives behind this port.
type ChartRenderPort interface {
	Render(ctx context.Context, data *ChartData, name string) (string, error)
}

// FileChartRenderer persists the chart data as a JSON artifact. A downstream
// renderer picks these up; the pipeline only needs the path.
type FileChartRenderer struct {
	artifactDir string
}

func NewFileChartRenderer(artifactDir string) *FileChartRenderer {
	return &FileChartRenderer{artifactDir: artifactDir}
}

func (r *FileChartRenderer) Render(ctx context.Context, data *ChartData, name string) (string, error) {
	if err := os.MkdirAll(r.artifactDir, 0755); err != nil {
		return "", WrapError("ChartRenderer", "Render", err)
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", WrapError("ChartRenderer", "Render", err)
	}
	if name == "" {
		name = "chart"
	}
	path := filepath.Join(r.artifactDir, fmt.Sprintf("%s_%s.json", name, uuid.New().String()[:8]))
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return "", WrapError("ChartRenderer", "Render", err)
	}
	return path, nil
}
