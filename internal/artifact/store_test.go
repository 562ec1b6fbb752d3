package artifact

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/inercia/chatwire/internal/clientstate"
	"github.com/inercia/chatwire/internal/protocol"
)

func form(corr string) protocol.Artifact {
	return protocol.Artifact{
		ToolName:      "form",
		CorrelationID: corr,
		Payload:       json.RawMessage(`{"fields":["name"]}`),
		DisplayMode:   protocol.DisplayArtifact,
	}
}

func TestCaptureRestoreAcrossReload(t *testing.T) {
	dir := t.TempDir()
	backend, err := clientstate.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(backend).Capture("c1", form("a1")); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// A new process sees the same directory.
	reloaded, _ := clientstate.NewFileStore(dir)
	s := New(reloaded)
	if err := s.MarkChatExistence("c1", true); err != nil {
		t.Fatal(err)
	}
	got, err := s.Restore("c1")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got == nil {
		t.Fatal("Restore returned nil")
	}
	if got.CorrelationID != "a1" || got.DisplayMode != protocol.DisplayArtifact || string(got.Payload) != `{"fields":["name"]}` {
		t.Errorf("Restore = %+v", got)
	}
}

func TestRestore_NewChatNeverResurrects(t *testing.T) {
	backend := clientstate.NewMemoryStore()
	_ = backend.PutArtifact("c1", clientstate.ArtifactEntry{Artifact: form("stale")})
	s := New(backend)

	if err := s.MarkChatExistence("c1", false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Restore("c1")
	if got != nil {
		t.Errorf("Restore = %+v, want nil", got)
	}
	if !errors.Is(err, ErrRestoreIntoNewChat) {
		t.Errorf("err = %v, want ErrRestoreIntoNewChat", err)
	}
	if _, err := backend.Artifact("c1"); !errors.Is(err, clientstate.ErrNotFound) {
		t.Error("stale entry should be deleted when the chat is new")
	}
}

func TestRestore_RequiresExistenceCheck(t *testing.T) {
	s := New(clientstate.NewMemoryStore())
	_ = s.Capture("c1", form("a"))
	got, err := s.Restore("c1")
	if got != nil || !errors.Is(err, ErrExistenceUnknown) {
		t.Errorf("Restore = %v, %v; want nil, ErrExistenceUnknown", got, err)
	}
}

func TestRestore_NothingCached(t *testing.T) {
	s := New(clientstate.NewMemoryStore())
	_ = s.MarkChatExistence("c1", true)
	got, err := s.Restore("c1")
	if got != nil || err != nil {
		t.Errorf("Restore = %v, %v; want nil, nil", got, err)
	}
}

func TestCapture_OnlyLatestSurvives(t *testing.T) {
	s := New(clientstate.NewMemoryStore())
	_ = s.MarkChatExistence("c1", true)
	_ = s.Capture("c1", form("a"))
	_ = s.Capture("c1", form("b"))
	got, _ := s.Restore("c1")
	if got == nil || got.CorrelationID != "b" {
		t.Errorf("Restore = %+v, want corr b", got)
	}
}

func TestDismiss(t *testing.T) {
	s := New(clientstate.NewMemoryStore())
	_ = s.MarkChatExistence("c1", true)
	_ = s.Capture("c1", form("a"))

	dropped, err := s.Dismiss("c1", "other")
	if err != nil || dropped {
		t.Errorf("Dismiss(other) = %v, %v; want false, nil", dropped, err)
	}
	dropped, err = s.Dismiss("c1", "a")
	if err != nil || !dropped {
		t.Errorf("Dismiss(a) = %v, %v; want true, nil", dropped, err)
	}
	if got, _ := s.Restore("c1"); got != nil {
		t.Errorf("Restore after dismiss = %+v", got)
	}
	if dropped, err := s.Dismiss("c1", "a"); dropped || err != nil {
		t.Errorf("Dismiss on empty = %v, %v", dropped, err)
	}
}

func TestOnNewTurn(t *testing.T) {
	tests := []struct {
		name        string
		completed   bool
		wantDropped bool
	}{
		{"incomplete artifact is dropped", false, true},
		{"completed artifact survives", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(clientstate.NewMemoryStore())
			_ = s.MarkChatExistence("c1", true)
			_ = s.Capture("c1", form("a"))
			if tt.completed {
				if err := s.MarkCompleted("c1", "a"); err != nil {
					t.Fatal(err)
				}
			}
			dropped, err := s.OnNewTurn("c1")
			if err != nil {
				t.Fatal(err)
			}
			if dropped != tt.wantDropped {
				t.Errorf("OnNewTurn dropped = %v, want %v", dropped, tt.wantDropped)
			}
			got, _ := s.Restore("c1")
			if (got == nil) != tt.wantDropped {
				t.Errorf("Restore after new turn = %+v", got)
			}
		})
	}
}

func TestMarkCompleted_OtherCorrIgnored(t *testing.T) {
	backend := clientstate.NewMemoryStore()
	s := New(backend)
	_ = s.Capture("c1", form("a"))
	if err := s.MarkCompleted("c1", "b"); err != nil {
		t.Fatal(err)
	}
	entry, _ := backend.Artifact("c1")
	if entry.Completed {
		t.Error("MarkCompleted with another corr should not complete the entry")
	}
	if err := s.MarkCompleted("missing", "a"); err != nil {
		t.Errorf("MarkCompleted on empty chat = %v", err)
	}
}

func TestCapture_Timestamp(t *testing.T) {
	backend := clientstate.NewMemoryStore()
	s := New(backend)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	_ = s.Capture("c1", form("a"))
	entry, _ := s.Cached("c1")
	if !entry.CapturedAt.Equal(fixed) {
		t.Errorf("CapturedAt = %v, want %v", entry.CapturedAt, fixed)
	}
}

func TestCapturable(t *testing.T) {
	tests := []struct {
		call protocol.ToolCall
		want bool
	}{
		{protocol.ToolCall{Display: protocol.DisplayArtifact}, true},
		{protocol.ToolCall{Display: protocol.DisplayFullscreen}, true},
		{protocol.ToolCall{Display: protocol.DisplayInline, AwaitingResponse: true}, true},
		{protocol.ToolCall{}, false},
	}
	for _, tt := range tests {
		if got := Capturable(tt.call); got != tt.want {
			t.Errorf("Capturable(%+v) = %v, want %v", tt.call, got, tt.want)
		}
	}
}
