// Package bootstrap computes how many nodes the cluster's system workloads need to come
// back up, and refuses scale-ups that would start below that floor.
//
// A cluster restored onto too few nodes can deadlock: DNS, the CNI and admission
// controllers cannot schedule, so nothing that depends on them can either.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

// PollInterval is how often Verify re-reads workload status.
var PollInterval = 5 * time.Second

type usage struct {
	cpuMilli int64
	memBytes int64
	pods     int64
}

func quantity(s string, milli bool) (int64, error) {
	if s == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, err
	}
	if milli {
		return q.MilliValue(), nil
	}
	return q.Value(), nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// RequiredMinimum returns the smallest node count on which every configured system
// workload fits. DaemonSet requests are charged against every node; Deployment requests
// are packed across nodes, and spread Deployments need one node per replica.
func RequiredMinimum(cfg config.BootstrapConfig) (model.BootstrapRequirement, error) {
	capCPU, err := quantity(cfg.NodeCapacity.CPU, true)
	if err != nil {
		return model.BootstrapRequirement{}, scaleerrors.New(scaleerrors.ConfigurationError, "bootstrap", "node cpu capacity: %v", err)
	}
	capMem, err := quantity(cfg.NodeCapacity.Memory, false)
	if err != nil {
		return model.BootstrapRequirement{}, scaleerrors.New(scaleerrors.ConfigurationError, "bootstrap", "node memory capacity: %v", err)
	}

	reserved := ptr.Deref(cfg.ReservedPercent, 0)
	usable := usage{
		cpuMilli: capCPU * int64(100-reserved) / 100,
		memBytes: capMem * int64(100-reserved) / 100,
		pods:     int64(cfg.NodeCapacity.Pods),
	}
	var deploy usage
	spread := 1
	spreadBy := ""

	for _, w := range cfg.SystemWorkloads {
		cpu, err := quantity(w.CPU, true)
		if err != nil {
			return model.BootstrapRequirement{}, scaleerrors.New(scaleerrors.ConfigurationError, "bootstrap/"+w.Name, "cpu request: %v", err)
		}
		mem, err := quantity(w.Memory, false)
		if err != nil {
			return model.BootstrapRequirement{}, scaleerrors.New(scaleerrors.ConfigurationError, "bootstrap/"+w.Name, "memory request: %v", err)
		}
		switch w.Kind {
		case "DaemonSet":
			usable.cpuMilli -= cpu
			usable.memBytes -= mem
			usable.pods--
		case "Deployment":
			replicas := int64(max(w.Replicas, 1))
			deploy.cpuMilli += cpu * replicas
			deploy.memBytes += mem * replicas
			deploy.pods += replicas
			if w.Spread && int(replicas) > spread {
				spread = int(replicas)
				spreadBy = w.Namespace + "/" + w.Name
			}
		default:
			return model.BootstrapRequirement{}, scaleerrors.New(scaleerrors.ConfigurationError, "bootstrap/"+w.Name, "unsupported kind %q", w.Kind)
		}
	}

	if usable.cpuMilli <= 0 || usable.memBytes <= 0 || usable.pods <= 0 {
		return model.BootstrapRequirement{}, scaleerrors.New(scaleerrors.ConfigurationError, "bootstrap",
			"daemon workloads leave no usable capacity per node (cpu %dm, memory %d, pods %d)",
			usable.cpuMilli, usable.memBytes, usable.pods)
	}

	byCPU := int(ceilDiv(deploy.cpuMilli, usable.cpuMilli))
	byMem := int(ceilDiv(deploy.memBytes, usable.memBytes))
	byPods := int(ceilDiv(deploy.pods, usable.pods))

	req := model.BootstrapRequirement{MinimumNodes: max(1, spread, byCPU, byMem, byPods)}
	req.Reasoning = []string{
		fmt.Sprintf("usable per node after %d%% reserve and daemons: cpu %dm, memory %s, pods %d",
			reserved, usable.cpuMilli, resource.NewQuantity(usable.memBytes, resource.BinarySI), usable.pods),
		fmt.Sprintf("cpu: %dm requested by deployments needs %d node(s)", deploy.cpuMilli, byCPU),
		fmt.Sprintf("memory: %s requested by deployments needs %d node(s)", resource.NewQuantity(deploy.memBytes, resource.BinarySI), byMem),
		fmt.Sprintf("pods: %d deployment replicas need %d node(s)", deploy.pods, byPods),
	}
	if spreadBy != "" {
		req.Reasoning = append(req.Reasoning, fmt.Sprintf("spread: %s needs %d distinct nodes", spreadBy, spread))
	}
	return req, nil
}

// Validate rejects a requested node count below the computed minimum.
func Validate(requested int, req model.BootstrapRequirement) error {
	if requested >= req.MinimumNodes {
		return nil
	}
	err := scaleerrors.New(scaleerrors.BootstrapDeadlockRisk, "bootstrap",
		"requested %d node(s) but system workloads need at least %d: %v", requested, req.MinimumNodes, req.Reasoning)
	err.RetrySafe = false
	return err
}

// Verify waits until every configured system workload reports at least one ready replica.
func Verify(ctx context.Context, client kubernetes.Interface, cfg config.BootstrapConfig, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, w := range cfg.SystemWorkloads {
		ref := fmt.Sprintf("%s/%s/%s", w.Kind, w.Namespace, w.Name)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return scaleerrors.New(scaleerrors.TimeoutError, ref, "system workloads not ready within %s", timeout)
		}
		err := retry.Poll(ctx, PollInterval, remaining, ref, func(ctx context.Context) (bool, error) {
			ready, err := workloadReady(ctx, client, w)
			if err != nil {
				slog.Debug("Failed to read system workload", "workload", ref, "err", err)
				return false, nil
			}
			return ready, nil
		})
		if err != nil {
			return err
		}
		slog.Info("System workload ready", "workload", ref)
	}
	return nil
}

func workloadReady(ctx context.Context, client kubernetes.Interface, w config.SystemWorkload) (bool, error) {
	switch w.Kind {
	case "Deployment":
		d, err := client.AppsV1().Deployments(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return d.Status.ReadyReplicas >= 1, nil
	case "DaemonSet":
		ds, err := client.AppsV1().DaemonSets(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return ds.Status.NumberReady >= 1, nil
	default:
		return false, fmt.Errorf("unsupported kind %q", w.Kind)
	}
}
