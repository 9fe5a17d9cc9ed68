package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/docent-net/cluster-hibernator/pkg/cloud"
	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/controller"
	"github.com/docent-net/cluster-hibernator/pkg/dependency"
	"github.com/docent-net/cluster-hibernator/pkg/kubeclient"
	"github.com/docent-net/cluster-hibernator/pkg/lock"
	"github.com/docent-net/cluster-hibernator/pkg/logging"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
	"github.com/docent-net/cluster-hibernator/pkg/tracing"
)

var version = "dev"

const (
	flagConfig     = "config"
	flagDryRun     = "dry-run"
	flagLogLevel   = "log-level"
	flagLogFormat  = "log-format"
	flagCluster    = "cluster"
	flagRegion     = "region"
	flagAccount    = "account"
	flagKubeconfig = "kubeconfig"
)

// errUnsuccessful signals a finished operation that did not succeed; its result is already
// on stdout.
var errUnsuccessful = errors.New("operation did not succeed")

var rootCmd = &cobra.Command{
	Use:     "cluster-hibernator",
	Short:   "Scale a Kubernetes cluster to zero nodes and bring it back safely.",
	Version: version,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "./config.yaml", "path to config file")
	flags.Bool(flagDryRun, false, "run without making actual changes")
	flags.String(flagLogLevel, "", "minimum log level (overrides config)")
	flags.String(flagLogFormat, "", "log format, json or text (overrides config)")
	flags.String(flagCluster, "", "cluster name (overrides config)")
	flags.String(flagRegion, "", "cluster region (overrides config)")
	flags.String(flagAccount, "", "cluster account (overrides config)")
	flags.String(flagKubeconfig, "", "kubeconfig path; in-cluster config or ~/.kube/config when empty")

	viper.SetEnvPrefix("hibernator")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))

	rootCmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.AddCommand(scaleDownCmd(), scaleUpCmd(), statusCmd(), serveCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errUnsuccessful) {
			slog.Error("cluster-hibernator failed", "err", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString(flagConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.GetBool(flagDryRun) {
		cfg.DryRun = true
	}
	if v := viper.GetString(flagLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString(flagLogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := viper.GetString(flagCluster); v != "" {
		cfg.Cluster.Name = v
	}
	if v := viper.GetString(flagRegion); v != "" {
		cfg.Cluster.Region = v
	}
	if v := viper.GetString(flagAccount); v != "" {
		cfg.Cluster.Account = v
	}

	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := dependency.ValidateTiers(cfg.Dependencies.Tiers); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

type app struct {
	cfg   *config.Config
	store statestore.Store
	ctrl  *controller.Controller
}

func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close state store", "err", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		slog.Warn("Failed to flush traces", "err", err)
	}
}

// setup wires the controller from config: logging, tracing, clients, store, lock, provider.
func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	slog.Info("Starting cluster-hibernator", "version", version, "cluster", cfg.Cluster.Key(), "dryRun", cfg.DryRun)

	if cfg.Metrics.Tracing {
		if err := tracing.Init("cluster-hibernator", os.Stderr); err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
	}

	clients, err := kubeclient.New(viper.GetString(flagKubeconfig))
	if err != nil {
		return nil, fmt.Errorf("failed to init k8s clients: %w", err)
	}

	store, err := openStore(cfg, clients)
	if err != nil {
		return nil, err
	}

	provider, err := cloud.NewFromConfig(cfg, clients.Dynamic)
	if err != nil {
		store.Close()
		return nil, err
	}

	var locker lock.Locker = lock.NewMemory()
	if cfg.Lock.Backend == config.LockBackendLease && !cfg.DryRun {
		locker = lock.NewKubeLease(clients.Kube, cfg.Lock.Namespace, cfg.Lock.TTL)
	}

	ctrl := controller.New(cfg, clients.Kube, provider, store, controller.WithLocker(locker))
	return &app{cfg: cfg, store: store, ctrl: ctrl}, nil
}

func openStore(cfg *config.Config, clients *kubeclient.Clients) (statestore.Store, error) {
	var store statestore.Store
	switch cfg.StateStore.Backend {
	case config.StateBackendSQLite:
		s, err := statestore.NewSQLite(cfg.StateStore.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		store = s
	case config.StateBackendConfigMap:
		store = statestore.NewConfigMap(clients.Kube, cfg.StateStore.Namespace)
	default:
		store = statestore.NewMemory()
	}
	if cfg.DryRun {
		return statestore.NewOverlay(store), nil
	}
	return store, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
