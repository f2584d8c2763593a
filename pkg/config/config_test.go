package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Role != RoleFull {
		t.Fatalf("expected default role full, got %q", cfg.Node.Role)
	}
	if cfg.Network.ReplicationFactor != 3 {
		t.Fatalf("expected default replication factor 3, got %d", cfg.Network.ReplicationFactor)
	}
	if cfg.Index.FTSTokenizer != "unicode61" {
		t.Fatalf("expected default tokenizer unicode61, got %q", cfg.Index.FTSTokenizer)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infomesh.yaml")
	contents := "node:\n  role: crawler\n  listen_port: 5000\nnetwork:\n  replication_factor: 5\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Role != RoleCrawler {
		t.Fatalf("expected role crawler, got %q", cfg.Node.Role)
	}
	if cfg.Node.ListenPort != 5000 {
		t.Fatalf("expected listen port 5000, got %d", cfg.Node.ListenPort)
	}
	if cfg.Network.ReplicationFactor != 5 {
		t.Fatalf("expected replication factor 5, got %d", cfg.Network.ReplicationFactor)
	}
	// Defaults not present in the file still apply.
	if cfg.Crawl.MaxDepth != 5 {
		t.Fatalf("expected default max depth 5, got %d", cfg.Crawl.MaxDepth)
	}
}

func TestLoadRejectsInvalidRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infomesh.yaml")
	os.WriteFile(path, []byte("node:\n  role: bogus\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid role to fail validation")
	}
}

func TestLoadRejectsInvalidTokenizer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infomesh.yaml")
	os.WriteFile(path, []byte("index:\n  fts_tokenizer: bogus\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid tokenizer to fail validation")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/infomesh.yaml"); err == nil {
		t.Fatalf("expected missing config file to error")
	}
}
