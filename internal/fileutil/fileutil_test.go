package fileutil

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testData struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantName  string
		wantValue int
	}{
		{
			name:      "valid JSON",
			content:   `{"name": "test", "value": 42}`,
			wantName:  "test",
			wantValue: 42,
		},
		{
			name:    "invalid JSON",
			content: `{"name": "test", invalid}`,
			wantErr: true,
		},
		{
			name:    "empty object",
			content: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}

			var data testData
			err := ReadJSON(path, &data)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if data.Name != tt.wantName || data.Value != tt.wantValue {
				t.Errorf("ReadJSON = %+v, want name=%q value=%d", data, tt.wantName, tt.wantValue)
			}
		})
	}
}

func TestReadJSON_Missing(t *testing.T) {
	var data testData
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &data)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadJSON on missing file error = %v, want os.ErrNotExist", err)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteJSONAtomic(path, testData{Name: "a", Value: 1}, 0600); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	if err := WriteJSONAtomic(path, testData{Name: "b", Value: 2}, 0600); err != nil {
		t.Fatalf("WriteJSONAtomic overwrite failed: %v", err)
	}

	var got testData
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "b" || got.Value != 2 {
		t.Errorf("got %+v, want {b 2}", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	for i := 1; i <= 3; i++ {
		if err := AppendJSONLine(path, testData{Name: "e", Value: i}, 0644); err != nil {
			t.Fatalf("AppendJSONLine failed: %v", err)
		}
	}

	var values []int
	err := ReadJSONLines(path, func(line []byte) error {
		var d testData
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		values = append(values, d.Value)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONLines failed: %v", err)
	}
	if len(values) != 3 || values[0] != 1 || values[2] != 3 {
		t.Errorf("values = %v, want [1 2 3]", values)
	}
}

func TestReadJSONLines_StopsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := "{\"value\":1}\n\nnot json\n{\"value\":3}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	calls := 0
	err := ReadJSONLines(path, func(line []byte) error {
		calls++
		var d testData
		return json.Unmarshal(line, &d)
	})
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2 (blank lines skipped)", calls)
	}
}

func TestReadJSONLines_Missing(t *testing.T) {
	err := ReadJSONLines(filepath.Join(t.TempDir(), "none.jsonl"), func([]byte) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}
