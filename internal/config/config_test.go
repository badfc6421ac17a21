package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: guardian\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "guardian" {
		t.Fatalf("unexpected name %q", cfg.App.Name)
	}
	if cfg.Scheduler.Interval != 60*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if cfg.Events.HistoryCapacity != 1000 || cfg.Events.MaxPerAddress != 5 || cfg.Events.MaxConnections != 100 {
		t.Fatalf("unexpected events defaults %+v", cfg.Events)
	}
	if cfg.Remediation.Enabled {
		t.Fatalf("remediation must be disabled by default")
	}
	if cfg.Ethereum.SignerEnabled() {
		t.Fatalf("signer must be disabled without key")
	}
}

func TestLoadWatchAndBranches(t *testing.T) {
	body := `
scheduler:
  interval: 30s
ethereum:
  rpc_url: http://localhost:8545
  signer_key: abc
  borrower_operations:
    - branch: 0
      address: "0x2222222222222222222222222222222222222222"
    - branch: 1
      address: "0x3333333333333333333333333333333333333333"
watch:
  - address: "0x1111111111111111111111111111111111111111"
    strategy: aggressive
    agent_id: agent-7
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if len(cfg.Watch) != 1 || cfg.Watch[0].AgentID != "agent-7" || cfg.Watch[0].Strategy != "aggressive" {
		t.Fatalf("unexpected watch list %+v", cfg.Watch)
	}
	if got := cfg.Ethereum.BranchTargets()[1]; !strings.HasPrefix(got, "0x3333") {
		t.Fatalf("unexpected branch 1 address %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"bad strategy":      "watch:\n  - address: \"0x1\"\n    strategy: yolo\n",
		"missing address":   "watch:\n  - strategy: moderate\n",
		"zero interval":     "scheduler:\n  interval: 0s\n",
		"telegram no token": "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"signer no rpc":     "ethereum:\n  signer_key: abc\n",
		"signer no targets": "ethereum:\n  rpc_url: http://x\n  signer_key: abc\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TROVEGUARDIAN_REMEDIATION_ENABLED", "true")
	t.Setenv("TROVEGUARDIAN_SNAPSHOT_BASE_URL", "https://positions.example")

	cfg, err := Load(writeConfig(t, "app:\n  name: x\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Remediation.Enabled {
		t.Fatalf("env override not applied")
	}
	if cfg.Snapshot.BaseURL != "https://positions.example" {
		t.Fatalf("unexpected base url %q", cfg.Snapshot.BaseURL)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatalf("unexpected max points resolution")
	}
}
