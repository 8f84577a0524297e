package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type exportBody struct {
	ExecutionID string    `yaml:"execution_id"`
	ExportedAt  time.Time `yaml:"exported_at"`
	Tasks       []string  `yaml:"tasks"`
}

func TestWriteDocument_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec_1.yaml")
	body := exportBody{
		ExecutionID: "exec_1",
		ExportedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Tasks:       []string{"task_a", "task_b"},
	}
	if err := WriteDocument(path, FileTypeSnapshot, body); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}

	content, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(content), "schema_version: 1\nfile_type: snapshot\n") {
		t.Errorf("header not first:\n%s", content)
	}

	var got exportBody
	if err := ReadDocument(path, FileTypeSnapshot, &got); err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}
	if got.ExecutionID != "exec_1" || len(got.Tasks) != 2 || !got.ExportedAt.Equal(body.ExportedAt) {
		t.Errorf("got %+v", got)
	}
}

func TestWriteDocument_Rejects(t *testing.T) {
	dir := t.TempDir()
	if err := WriteDocument(filepath.Join(dir, "a.yaml"), "queue_task", exportBody{}); err == nil {
		t.Error("unknown file type should be rejected")
	}
	if err := WriteDocument(filepath.Join(dir, "b.yaml"), FileTypeSnapshot, []string{"x"}); err == nil {
		t.Error("non-mapping body should be rejected")
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"valid", "schema_version: 1\nfile_type: snapshot\n", ""},
		{"missing version", "file_type: snapshot\n", "invalid schema_version 0"},
		{"future version", "schema_version: 99\nfile_type: snapshot\n", "unsupported schema_version 99"},
		{"missing type", "schema_version: 1\n", "missing file_type"},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "unknown file_type"},
		{"broken yaml", "schema_version: [\n", "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeader([]byte(tt.content), FileTypeSnapshot)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadDocument_MissingFile(t *testing.T) {
	var out exportBody
	err := ReadDocument(filepath.Join(t.TempDir(), "nope.yaml"), FileTypeSnapshot, &out)
	if err == nil || !strings.Contains(err.Error(), "read file") {
		t.Errorf("expected read error, got %v", err)
	}
}
