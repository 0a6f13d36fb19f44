package router

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadReplies_Defaults(t *testing.T) {
	r, err := LoadReplies("")
	if err != nil {
		t.Fatalf("LoadReplies error: %v", err)
	}
	if r != DefaultReplies() {
		t.Error("empty path should yield defaults")
	}

	r, err = LoadReplies(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadReplies missing file error: %v", err)
	}
	if r != DefaultReplies() {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadReplies_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	content := "fallback: \"Try /help\"\ncleared: \"\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := LoadReplies(path)
	if err != nil {
		t.Fatalf("LoadReplies error: %v", err)
	}
	if r.Fallback != "Try /help" {
		t.Errorf("Fallback = %q", r.Fallback)
	}
	if r.Cleared != DefaultReplies().Cleared {
		t.Errorf("Cleared = %q, want default", r.Cleared)
	}
	if r.Help != DefaultReplies().Help {
		t.Error("Help should keep its default")
	}
}

func TestLoadReplies_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	if err := os.WriteFile(path, []byte("help: [unclosed"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadReplies(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if r != DefaultReplies() {
		t.Error("parse error should still return defaults")
	}
}

func TestSaveReplies_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "replies.yaml")
	want := DefaultReplies()
	want.Fallback = "custom"

	if err := SaveReplies(path, want); err != nil {
		t.Fatalf("SaveReplies error: %v", err)
	}
	got, err := LoadReplies(path)
	if err != nil {
		t.Fatalf("LoadReplies error: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestRepliesCreated(t *testing.T) {
	got := DefaultReplies().created("https://docs.google.com/presentation/d/abc")
	if !strings.HasPrefix(got, "Your presentation is ready! Here's the link: https://docs.google.com/presentation/d/abc\n\n") {
		t.Errorf("created = %q", got)
	}
	if strings.Contains(got, URLToken) {
		t.Error("url token not replaced")
	}
}
