package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
cluster:
  name: from-file
  region: eu-1
nodePools: [workers]
`)
	viper.Set(flagConfig, path)
	viper.Set(flagCluster, "from-flag")
	viper.Set(flagDryRun, true)
	t.Cleanup(func() {
		viper.Set(flagCluster, "")
		viper.Set(flagDryRun, false)
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.Cluster.Name)
	require.Equal(t, "eu-1", cfg.Cluster.Region)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.DryRun)
	require.Equal(t, config.StateBackendSQLite, cfg.StateStore.Backend)
}

func TestLoadConfig_InvalidConfig(t *testing.T) {
	viper.Set(flagConfig, writeConfig(t, "stateStore:\n  backend: etcd\n"))
	_, err := loadConfig()
	require.ErrorContains(t, err, "invalid config")
}

func TestLoadConfig_DependencyCycleIsInvalid(t *testing.T) {
	viper.Set(flagConfig, writeConfig(t, `
cluster:
  name: prod
nodePools: [workers]
dependencies:
  tiers:
    - name: db
      dependsOn: [app]
    - name: app
      dependsOn: [db]
`))
	_, err := loadConfig()
	require.ErrorContains(t, err, "invalid config")
	require.ErrorContains(t, err, "dependency cycle")
}

func TestOpenStore_DryRunNeverWritesThrough(t *testing.T) {
	cfg := &config.Config{DryRun: true, StateStore: config.StateStoreConfig{Backend: config.StateBackendMemory}}
	store, err := openStore(cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &statestore.Overlay{}, store)
}

func TestHealthMux(t *testing.T) {
	srv := httptest.NewServer(healthMux())
	defer srv.Close()
	for _, p := range []string{"/readyz", "/livez"} {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}
