package cloud

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/client-go/dynamic"

	"github.com/docent-net/cluster-hibernator/pkg/config"
)

// DryRun describes through the wrapped provider but only logs updates.
type DryRun struct {
	Provider
}

func (d DryRun) Update(_ context.Context, pool string, min, max, desired int) error {
	slog.Info("Dry-run: would update node pool", "provider", d.Provider.Name(), "pool", pool, "min", min, "max", max, "desired", desired)
	return nil
}

func NewFromConfig(cfg *config.Config, dyn dynamic.Interface) (Provider, error) {
	var p Provider
	switch cfg.Cloud.Provider {
	case config.CloudProviderCAPI:
		if dyn == nil {
			return nil, fmt.Errorf("capi provider needs a dynamic client")
		}
		p = NewCAPI(dyn, cfg.Cloud.Namespace)
	case config.CloudProviderMagnum:
		m, err := NewMagnum(cfg.Cloud.ClusterID, cfg.Cloud.Region)
		if err != nil {
			return nil, err
		}
		p = m
	default:
		return nil, fmt.Errorf("unknown cloud provider: %s", cfg.Cloud.Provider)
	}

	slog.Debug("Using configured cloud provider", "provider", p.Name())
	if cfg.DryRun {
		return DryRun{Provider: p}, nil
	}
	return p, nil
}
