package chat

import (
	"testing"
	"time"
)

func TestRoleFromInt64(t *testing.T) {
	cases := []struct {
		value   int64
		want    Role
		wantErr bool
	}{
		{1, RoleUser, false},
		{2, RoleAssistant, false},
		{3, RoleToolResult, false},
		{0, 0, true},
		{4, 0, true},
	}
	for _, tc := range cases {
		got, err := RoleFromInt64(tc.value)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for value %d", tc.value)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for value %d: %v", tc.value, err)
		}
		if got != tc.want {
			t.Fatalf("value %d: got %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestRoleString(t *testing.T) {
	if RoleUser.String() != "user" || RoleAssistant.String() != "assistant" || RoleToolResult.String() != "tool_result" {
		t.Fatalf("unexpected role labels: %s %s %s", RoleUser, RoleAssistant, RoleToolResult)
	}
}

func TestNewUserMessage(t *testing.T) {
	before := time.Now().UnixMilli()
	msg := NewUserMessage(7, "hi")
	after := time.Now().UnixMilli()

	if msg.ChatID != 7 || msg.Role != RoleUser {
		t.Fatalf("unexpected message shape: %+v", msg)
	}
	if msg.ModelID != nil {
		t.Fatalf("user messages must not carry a model id")
	}
	if msg.Content == nil || *msg.Content != "hi" {
		t.Fatalf("expected content hi, got %v", msg.Content)
	}
	if msg.At < before || msg.At > after {
		t.Fatalf("timestamp %d outside [%d, %d]", msg.At, before, after)
	}
}

func TestAssistantMessageContentXorError(t *testing.T) {
	ok := NewAssistantMessage(1, 2, "hello", 1234)
	if ok.Content == nil || ok.Error != nil {
		t.Fatalf("success message should carry content only: %+v", ok)
	}
	if ok.At != 1234 {
		t.Fatalf("assistant turn must reuse the origin timestamp, got %d", ok.At)
	}
	if ok.ResponseAt == nil {
		t.Fatalf("assistant turn should record a response timestamp")
	}

	failed := NewAssistantError(1, 2, "boom", 1234)
	if failed.Error == nil || failed.Content != nil {
		t.Fatalf("error message should carry error only: %+v", failed)
	}
	if failed.Text() != "boom" {
		t.Fatalf("Text() should fall back to error, got %q", failed.Text())
	}
}

func TestProfileClone(t *testing.T) {
	p := ChatProfile{ChatID: 3, ModelIDs: []int64{1, 2}, ToolIDs: []int64{9}}
	c := p.Clone()
	c.ModelIDs[0] = 99
	if p.ModelIDs[0] != 1 {
		t.Fatalf("clone must not share backing arrays")
	}
}
