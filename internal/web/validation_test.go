package web

import (
	"strings"
	"testing"
)

func TestIsValidChatID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"simple", "chat-1", true},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", true},
		{"dots and underscores", "team_a.chat.7", true},
		{"max length", strings.Repeat("a", 128), true},

		{"empty string", "", false},
		{"too long", strings.Repeat("a", 129), false},
		{"leading dot", ".hidden", false},
		{"path traversal attempt", "../../../etc/passwd", false},
		{"double dot inside", "a..b", false},
		{"slash", "a/b", false},
		{"space", "a b", false},
		{"null byte", "chat\x00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidChatID(tt.id)
			if got != tt.valid {
				t.Errorf("IsValidChatID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestValidateUserInput(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"valid message", "Hello, world!", false},
		{"empty message", "", true},
		{"only spaces", "   ", true},
		{"message with newlines", "Line1\nLine2", false},
		{"message with tab", "a\tb", false},
		{"control character", "bell\a", true},
		{"too long", strings.Repeat("x", MaxInputLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserInput(tt.message)
			hasErr := err != ""
			if hasErr != tt.wantErr {
				t.Errorf("ValidateUserInput(%q) error = %q, wantErr %v", tt.message, err, tt.wantErr)
			}
		})
	}
}
