package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"), 15)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Agents) != 0 {
		t.Fatalf("expected zero agents, got %d", len(snap.Agents))
	}
	if snap.GlobalIdleTimeoutMin != 15 {
		t.Fatalf("GlobalIdleTimeoutMin = %d, want 15", snap.GlobalIdleTimeoutMin)
	}
}

func TestLoadParsesAgents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
agents:
  - name: demo
    egress_allowlist:
      - "https://api.example.com*"
    idle_timeout: 5
    repo: demo-repo
    registry_connection: dockerhub
  - name: no-timeout
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := Load(path, 15)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	demo, ok := snap.Agents["demo"]
	if !ok {
		t.Fatal("expected agent 'demo' to be parsed")
	}
	if !demo.HasIdleTimeout || demo.IdleTimeoutMin != 5 {
		t.Fatalf("demo idle timeout = (%v, %d), want (true, 5)", demo.HasIdleTimeout, demo.IdleTimeoutMin)
	}
	if demo.EgressAllowlist[0] != "https://api.example.com*" {
		t.Fatalf("unexpected allowlist: %v", demo.EgressAllowlist)
	}

	noTimeout, ok := snap.Agents["no-timeout"]
	if !ok {
		t.Fatal("expected agent 'no-timeout' to be parsed")
	}
	if noTimeout.HasIdleTimeout {
		t.Fatal("no-timeout agent should fall back to the global default")
	}
}

func TestParseIdleTimeoutRejectsMalformed(t *testing.T) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("not-a-number"), &node); err != nil {
		t.Fatal(err)
	}
	if _, ok := parseIdleTimeout(*node.Content[0]); ok {
		t.Fatal("expected malformed idle_timeout to be rejected")
	}
}
