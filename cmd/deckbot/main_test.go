package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/deckbot/internal/config"
	"github.com/stellarlinkco/deckbot/internal/deck"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REFRESH_TOKEN", "GOOGLE_REDIRECT_URI",
		"DECKBOT_GOOGLE_CLIENT_ID", "DECKBOT_GOOGLE_CLIENT_SECRET", "DECKBOT_GOOGLE_REFRESH_TOKEN",
		"DECKBOT_GOOGLE_REDIRECT_URI", "DECKBOT_HISTORY_BACKEND", "DECKBOT_NATS_URL", "DECKBOT_TELEGRAM_TOKEN",
	} {
		t.Setenv(k, "")
	}
	return home
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{"gateway": false, "onboard": false, "status": false, "compile": false, "auth": false}
	for _, c := range newRootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestOnboard(t *testing.T) {
	home := setupHome(t)

	out, _, err := execute(t, "", "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Created config") {
		t.Errorf("output = %q, want Created config", out)
	}

	cfgPath := filepath.Join(home, ".deckbot", "config.json")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	replies := filepath.Join(home, ".deckbot", "replies.yaml")
	data, err := os.ReadFile(replies)
	if err != nil {
		t.Fatalf("replies not written: %v", err)
	}
	if !strings.Contains(string(data), "created:") {
		t.Errorf("replies file missing created template:\n%s", data)
	}

	// Second run keeps existing files.
	if err := os.WriteFile(replies, []byte("help: custom\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, _, err = execute(t, "", "onboard")
	if err != nil {
		t.Fatalf("second onboard error: %v", err)
	}
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("output = %q, want Config already exists", out)
	}
	data, _ = os.ReadFile(replies)
	if string(data) != "help: custom\n" {
		t.Errorf("replies overwritten: %q", data)
	}
}

func TestStatus(t *testing.T) {
	setupHome(t)
	t.Setenv("DECKBOT_GOOGLE_CLIENT_ID", "1234567890.apps.googleusercontent.com")
	t.Setenv("DECKBOT_GOOGLE_CLIENT_SECRET", "secret")

	out, _, err := execute(t, "", "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{
		"Config: ",
		"WebUI: enabled=false",
		"History: sqlite",
		"Google client: 1234....com",
		"Google account: not authorized",
		"Events: disabled",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus_BadConfig(t *testing.T) {
	home := setupHome(t)
	dir := filepath.Join(home, ".deckbot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "", "status")
	if err != nil {
		t.Fatalf("status should report, not fail: %v", err)
	}
	if !strings.Contains(out, "Config: error") {
		t.Errorf("output = %q", out)
	}
}

func TestCompile_Message(t *testing.T) {
	out, errOut, err := execute(t, "", "compile", "-m", "/presentation Roadmap\nQ1 ship the beta release\n\nQ2 grow")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if errOut != "" {
		t.Errorf("unexpected stderr: %q", errOut)
	}
	for _, want := range []string{"Title: Roadmap", "Slides: 2", "1. Q1 ship the...", "2. Q2 grow..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCompile_StdinJSON(t *testing.T) {
	out, _, err := execute(t, "/presentation Demo\nOnly slide\n", "compile", "--json")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	var d deck.Deck
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if d.Title != "Demo" || len(d.Slides) != 1 || d.Slides[0].Body != "Only slide" {
		t.Errorf("deck = %+v", d)
	}
}

func TestCompile_WarnsWithoutPrefix(t *testing.T) {
	_, errOut, err := execute(t, "", "compile", "-m", "just chatting")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if !strings.Contains(errOut, deck.CommandPrefix) {
		t.Errorf("stderr = %q, want a prefix note", errOut)
	}
}

func TestAuth_RequiresClient(t *testing.T) {
	setupHome(t)
	if _, _, err := execute(t, "", "auth"); err == nil {
		t.Fatal("expected error without a google client")
	}
}

func TestAuth_PrintsConsentURL(t *testing.T) {
	setupHome(t)
	t.Setenv("DECKBOT_GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("DECKBOT_GOOGLE_CLIENT_SECRET", "client-secret")

	out, _, err := execute(t, "", "auth")
	if err != nil {
		t.Fatalf("auth error: %v", err)
	}
	if !strings.Contains(out, "https://accounts.google.com/") || !strings.Contains(out, "client_id=client-id") {
		t.Errorf("output missing consent URL:\n%s", out)
	}
}

func TestAuth_BrowserFlowStartsAtGateway(t *testing.T) {
	setupHome(t)
	t.Setenv("DECKBOT_GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("DECKBOT_GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("DECKBOT_GOOGLE_REDIRECT_URI", "https://bot.example.com/oauth/callback")

	out, _, err := execute(t, "", "auth")
	if err != nil {
		t.Fatalf("auth error: %v", err)
	}
	if !strings.Contains(out, "https://bot.example.com/oauth/start") {
		t.Errorf("output should point the browser flow at the gateway:\n%s", out)
	}
	if strings.Contains(out, "receive the redirect") {
		t.Errorf("output must not send a CLI-issued state to the gateway callback:\n%s", out)
	}
}

func TestOAuthStartURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{config.DefaultGoogleRedirectURL, "http://localhost:18790/oauth/start"},
		{"https://bot.example.com/oauth/callback", "https://bot.example.com/oauth/start"},
		{"urn:ietf:wg:oauth:2.0:oob", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := oauthStartURL(tt.in); got != tt.want {
			t.Errorf("oauthStartURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"abcdefghijkl", "abcd...ijkl"},
		{"ssm:/deckbot/client-id", "ssm:/deckbot/client-id"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetupLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := setupLogger(cfg); err != nil {
		t.Fatalf("setupLogger error: %v", err)
	}
	cfg.Log.Development = true
	if _, err := setupLogger(cfg); err != nil {
		t.Fatalf("setupLogger development error: %v", err)
	}
}
