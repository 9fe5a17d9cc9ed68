package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-hibernator/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "config*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	tmp.WriteString(body)
	tmp.Close()
	return tmp.Name()
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
cluster:
  name: prod
  region: eu-west-1
  account: acme
nodePools: [workers-a, workers-b]
drain:
  forceAfter: 2m
cloud:
  provider: magnum
  clusterID: 9a1c
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
	if cfg.Cluster.Key() != "acme/eu-west-1/prod" {
		t.Errorf("unexpected cluster key %q", cfg.Cluster.Key())
	}
	if cfg.Drain.ForceAfter != 2*time.Minute {
		t.Errorf("expected forceAfter 2m, got %v", cfg.Drain.ForceAfter)
	}
	if len(cfg.NodePools) != 2 {
		t.Errorf("expected 2 node pools, got %d", len(cfg.NodePools))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got none")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{this: is, not: valid yaml")

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected YAML unmarshal error, got none")
	}
	if !strings.Contains(err.Error(), "yaml") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApplyDefaultsAndValidate_DefaultsApplied(t *testing.T) {
	cfg := &config.Config{}
	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.NodePool.Timeout != 15*time.Minute {
		t.Errorf("expected default pool timeout 15m, got %v", cfg.NodePool.Timeout)
	}
	if cfg.StateStore.Backend != config.StateBackendSQLite {
		t.Errorf("expected sqlite backend, got %q", cfg.StateStore.Backend)
	}
	if len(cfg.Autoscaler.Candidates) != len(config.DefaultAutoscalerCandidates) {
		t.Errorf("expected default autoscaler candidates")
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected default retry attempts 5, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestApplyDefaultsAndValidate_Rejects(t *testing.T) {
	tests := map[string]config.Config{
		"unknown backend":        {StateStore: config.StateStoreConfig{Backend: "etcd"}},
		"magnum without cluster": {Cloud: config.CloudConfig{Provider: config.CloudProviderMagnum}},
		"force before grace":     {Drain: config.DrainConfig{GracePeriod: time.Minute, ForceAfter: time.Second}},
		"short lease":            {Lock: config.LockConfig{TTL: time.Second}},
		"reserved too high":      {Bootstrap: config.BootstrapConfig{ReservedPercent: ptr.To(100)}},
		"bad quantity":           {Bootstrap: config.BootstrapConfig{NodeCapacity: config.NodeCapacity{CPU: "lots"}}},
		"bad workload kind": {Bootstrap: config.BootstrapConfig{SystemWorkloads: []config.SystemWorkload{
			{Name: "dns", Kind: "StatefulSet"},
		}}},
		"webhook without url": {Notify: config.NotifyConfig{Mode: "webhook"}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if err := cfg.ApplyDefaultsAndValidate(); err == nil {
				t.Fatal("expected validation error, got none")
			}
		})
	}
}

func TestApplyDefaultsAndValidate_ZeroReserveIsKept(t *testing.T) {
	path := writeConfig(t, `
bootstrap:
  reservedPercent: 0
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
	if got := *cfg.Bootstrap.ReservedPercent; got != 0 {
		t.Errorf("expected explicit reserve 0 to be kept, got %d", got)
	}

	unset := &config.Config{}
	if err := unset.ApplyDefaultsAndValidate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got := *unset.Bootstrap.ReservedPercent; got != 10 {
		t.Errorf("expected default reserve 10, got %d", got)
	}
}
