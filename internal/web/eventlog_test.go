package web

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inercia/chatwire/internal/protocol"
)

func mustEnvelope(t *testing.T, msgType string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(msgType, data)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestLogImplementations(t *testing.T) {
	logs := map[string]func(t *testing.T) Log{
		"memory": func(t *testing.T) Log { return NewMemoryLog() },
		"file": func(t *testing.T) Log {
			l, err := OpenFileLog(filepath.Join(t.TempDir(), "chat.jsonl"))
			if err != nil {
				t.Fatalf("OpenFileLog() error = %v", err)
			}
			return l
		},
	}

	for name, open := range logs {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			defer l.Close()

			if got := l.LastSeq(); got != 0 {
				t.Fatalf("LastSeq() on empty log = %d", got)
			}
			for i, text := range []string{"a", "b", "c"} {
				stored, err := l.Append(mustEnvelope(t, protocol.TypeText, protocol.Text{Content: text}))
				if err != nil {
					t.Fatalf("Append() error = %v", err)
				}
				if stored.SeqValue() != int64(i+1) {
					t.Errorf("Append() seq = %d, want %d", stored.SeqValue(), i+1)
				}
				if stored.Timestamp == "" {
					t.Error("stored envelope has no timestamp")
				}
			}

			tests := []struct {
				after int64
				want  []int64
			}{
				{-1, []int64{1, 2, 3}},
				{0, []int64{1, 2, 3}},
				{1, []int64{2, 3}},
				{3, nil},
				{10, nil},
			}
			for _, tt := range tests {
				events, err := l.Since(tt.after)
				if err != nil {
					t.Fatalf("Since(%d) error = %v", tt.after, err)
				}
				var got []int64
				for _, e := range events {
					got = append(got, e.SeqValue())
				}
				if len(got) != len(tt.want) {
					t.Errorf("Since(%d) = %v, want %v", tt.after, got, tt.want)
					continue
				}
				for i := range got {
					if got[i] != tt.want[i] {
						t.Errorf("Since(%d) = %v, want %v", tt.after, got, tt.want)
						break
					}
				}
			}
		})
	}
}

func TestFileLog_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	l, err := OpenFileLog(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := l.Append(mustEnvelope(t, protocol.TypeText, protocol.Text{Content: text})); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	reopened, err := OpenFileLog(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if got := reopened.LastSeq(); got != 2 {
		t.Fatalf("LastSeq() after reopen = %d, want 2", got)
	}
	stored, err := reopened.Append(mustEnvelope(t, protocol.TypeText, protocol.Text{Content: "three"}))
	if err != nil {
		t.Fatal(err)
	}
	if stored.SeqValue() != 3 {
		t.Errorf("seq after reopen = %d, want 3", stored.SeqValue())
	}

	events, _ := reopened.Since(1)
	var text protocol.Text
	if err := events[0].Decode(&text); err != nil {
		t.Fatal(err)
	}
	if text.Content != "two" {
		t.Errorf("event 2 content = %q, want %q", text.Content, "two")
	}
}

func TestFileLog_RejectsOutOfOrderHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	lines := []string{
		`{"type":"chat.text","seq":1,"data":{"content":"a"}}`,
		`{"type":"chat.text","seq":3,"data":{"content":"c"}}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFileLog(path); err == nil {
		t.Fatal("OpenFileLog() accepted a history with a gap")
	}
}
