package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp dir and returns the whispercore
// config directory inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	dir := filepath.Join(home, ".config", "whispercore")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	// WriteFile honours umask; force the mode under test.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("Failed to chmod test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9191
llm:
  base_url: http://127.0.0.1:11434
  model: llava
retry:
  max_attempts: 4
  initial_delay: 2s
prompt:
  default_tone: playful
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.LLM.Model != "llava" {
		t.Errorf("LLM.Model = %q, want llava", cfg.LLM.Model)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialDelay.Duration() != 2*time.Second {
		t.Errorf("Retry.InitialDelay = %v, want 2s", cfg.Retry.InitialDelay.Duration())
	}
	if cfg.Prompt.DefaultTone != "playful" {
		t.Errorf("Prompt.DefaultTone = %q, want playful", cfg.Prompt.DefaultTone)
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "llm:\n  model: llama3:8b\n", 0600)
	t.Setenv("WHISPERCORE_LLM_MODEL", "gemma")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.LLM.Model != "gemma" {
		t.Errorf("LLM.Model = %q, want env override gemma", cfg.LLM.Model)
	}
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want defaults", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want default 3", cfg.Retry.MaxAttempts)
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "llm: [unterminated\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want parse error")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "retry:\n  max_attempts: -2\n", 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("LoadWithFile() error = %v, want validation error", err)
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	dir := setupTestHome(t)

	tests := []string{
		"/tmp/config.yaml",
		filepath.Join(dir, "..", "..", "evil.yaml"),
		dir + "-other/config.yaml",
	}
	for _, p := range tests {
		if _, err := LoadWithFile(p); err == nil {
			t.Errorf("LoadWithFile(%q) error = nil, want path rejection", p)
		}
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "llm:\n  model: x\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("LoadWithFile() error = %v, want insecure permissions", err)
	}
}

func TestLoadWithFile_ReadOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "llm:\n  model: x\n", 0400)

	if _, err := LoadWithFile(path); err != nil {
		t.Fatalf("LoadWithFile() error = %v, want 0400 accepted", err)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, dir, big, 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("LoadWithFile() error = %v, want size rejection", err)
	}
}

func TestLoadWithFile_XDGConfigHome(t *testing.T) {
	setupTestHome(t)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "whispercore")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	writeConfig(t, dir, "llm:\n  model: phi3\n", 0600)

	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error = %v", err)
	}
	if want := filepath.Join(dir, "config.yaml"); path != want {
		t.Errorf("DefaultConfigPath() = %q, want %q", path, want)
	}

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.LLM.Model != "phi3" {
		t.Errorf("LLM.Model = %q, want phi3", cfg.LLM.Model)
	}
}
