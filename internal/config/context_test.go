// Package config provides context persistence tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContext_ConversationFor(t *testing.T) {
	tests := []struct {
		name   string
		ctx    Context
		user   string
		wantID string
		wantOK bool
	}{
		{
			name:   "empty context",
			ctx:    Context{},
			user:   "u1",
			wantOK: false,
		},
		{
			name:   "same user",
			ctx:    Context{UserID: "u1", ConversationID: "c1"},
			user:   "u1",
			wantID: "c1",
			wantOK: true,
		},
		{
			name:   "other user",
			ctx:    Context{UserID: "u2", ConversationID: "c1"},
			user:   "u1",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := tt.ctx.ConversationFor(tt.user)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("ConversationFor() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestContext_String(t *testing.T) {
	ctx := &Context{}
	if got := ctx.String(); got != "(no conversation selected)" {
		t.Errorf("String() = %q", got)
	}

	ctx.SetConversation("u1", "conv_0123456789", "")
	if got := ctx.String(); got != "conversation:conv_012" {
		t.Errorf("String() = %q", got)
	}

	ctx.SetConversation("u1", "conv_0123456789", "Week 3 question")
	if got := ctx.String(); got != "conversation:Week 3 question" {
		t.Errorf("String() = %q", got)
	}
}

func TestContextStore_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewContextStore(filepath.Join(tmpDir, "context.yaml"))

	ctx := &Context{}
	ctx.SetConversation("u1", "c42", "Algebra help")

	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.ConversationID != "c42" {
		t.Errorf("ConversationID = %v, want c42", loaded.ConversationID)
	}
	if loaded.ConversationTitle != "Algebra help" {
		t.Errorf("ConversationTitle = %v, want Algebra help", loaded.ConversationTitle)
	}
	if loaded.UserID != "u1" {
		t.Errorf("UserID = %v, want u1", loaded.UserID)
	}
}

func TestContextStore_LoadEmpty(t *testing.T) {
	store := NewContextStore(filepath.Join(t.TempDir(), "context.yaml"))

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.IsEmpty() {
		t.Error("Load() should return empty context for non-existent file")
	}
}

func TestContextStore_Clear(t *testing.T) {
	contextPath := filepath.Join(t.TempDir(), "context.yaml")
	store := NewContextStore(contextPath)

	ctx := &Context{}
	ctx.SetConversation("u1", "c1", "")
	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(contextPath); os.IsNotExist(err) {
		t.Fatal("context file should exist after save")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := os.Stat(contextPath); !os.IsNotExist(err) {
		t.Error("context file should be removed after clear")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() after Clear() error = %v", err)
	}
	if !loaded.IsEmpty() {
		t.Error("Load() after Clear() should return empty context")
	}
}
