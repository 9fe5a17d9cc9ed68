package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
)

const (
	StateBackendSQLite    = "sqlite"
	StateBackendConfigMap = "configmap"
	StateBackendMemory    = "memory"

	LockBackendLease  = "lease"
	LockBackendMemory = "memory"

	CloudProviderCAPI   = "capi"
	CloudProviderMagnum = "magnum"
)

type Config struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	DryRun    bool   `yaml:"dryRun"`

	Cluster model.ClusterIdentity `yaml:"cluster"`

	// NodePools lists the pools managed by hibernation, in cloud provider naming.
	NodePools    []string `yaml:"nodePools"`
	PoolLabelKey string   `yaml:"poolLabelKey"`

	StateStore   StateStoreConfig `yaml:"stateStore"`
	Lock         LockConfig       `yaml:"lock"`
	Cloud        CloudConfig      `yaml:"cloud"`
	Retry        retry.Policy     `yaml:"retry"`
	NodePool     NodePoolConfig   `yaml:"nodePool"`
	Autoscaler   AutoscalerConfig `yaml:"autoscaler"`
	Drain        DrainConfig      `yaml:"drain"`
	Webhooks     WebhooksConfig   `yaml:"webhooks"`
	Bootstrap    BootstrapConfig  `yaml:"bootstrap"`
	Dependencies DependencyConfig `yaml:"dependencies"`
	Notify       NotifyConfig     `yaml:"notify"`
	Schedule     ScheduleConfig   `yaml:"schedule"`
	Metrics      MetricsConfig    `yaml:"metrics"`
}

type StateStoreConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

type LockConfig struct {
	Backend   string        `yaml:"backend"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
}

type CloudConfig struct {
	Provider string `yaml:"provider"`
	// Namespace holds the MachineDeployments for the capi provider.
	Namespace string `yaml:"namespace"`
	// ClusterID is the Magnum cluster UUID or name.
	ClusterID string `yaml:"clusterID"`
	Region    string `yaml:"region"`
}

type NodePoolConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	MaxPollFailures int           `yaml:"maxPollFailures"`
	Concurrency     int           `yaml:"concurrency"`
	ReadyTimeout    time.Duration `yaml:"readyTimeout"`
}

type WorkloadRef struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

type AutoscalerConfig struct {
	Candidates []WorkloadRef `yaml:"candidates"`
}

type DrainConfig struct {
	GracePeriod  time.Duration `yaml:"gracePeriod"`
	ForceAfter   time.Duration `yaml:"forceAfter"`
	Concurrency  int           `yaml:"concurrency"`
	EvictBackoff retry.Policy  `yaml:"evictBackoff"`
}

type WebhookController struct {
	Class        string   `yaml:"class"`
	Namespace    string   `yaml:"namespace"`
	PodSelector  string   `yaml:"podSelector"`
	WebhookNames []string `yaml:"webhookNames"`
}

type WebhooksConfig struct {
	Controllers []WebhookController `yaml:"controllers"`
}

type NodeCapacity struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
	Pods   int    `yaml:"pods"`
}

type SystemWorkload struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
	// Kind is Deployment or DaemonSet.
	Kind     string `yaml:"kind"`
	Replicas int    `yaml:"replicas"`
	CPU      string `yaml:"cpu"`
	Memory   string `yaml:"memory"`
	// Spread means replicas must land on distinct nodes.
	Spread bool `yaml:"spread"`
}

type BootstrapConfig struct {
	NodeCapacity    NodeCapacity     `yaml:"nodeCapacity"`
	// ReservedPercent is headroom kept free on every node; 10 when unset.
	ReservedPercent *int             `yaml:"reservedPercent"`
	SystemWorkloads []SystemWorkload `yaml:"systemWorkloads"`
	VerifyTimeout   time.Duration    `yaml:"verifyTimeout"`
}

type Tier struct {
	Name       string   `yaml:"name"`
	DependsOn  []string `yaml:"dependsOn"`
	Namespaces []string `yaml:"namespaces"`
}

type DependencyConfig struct {
	TierLabel    string        `yaml:"tierLabel"`
	Tiers        []Tier        `yaml:"tiers"`
	ReadyTimeout time.Duration `yaml:"readyTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type NotifyConfig struct {
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ScheduleConfig struct {
	ScaleDown string `yaml:"scaleDown"`
	ScaleUp   string `yaml:"scaleUp"`
}

type MetricsConfig struct {
	Addr       string `yaml:"addr"`
	HealthAddr string `yaml:"healthAddr"`
	Tracing    bool   `yaml:"tracing"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultAutoscalerCandidates are tried in order; the first existing Deployment wins.
var DefaultAutoscalerCandidates = []WorkloadRef{
	{Namespace: "kube-system", Name: "cluster-autoscaler"},
	{Namespace: "cluster-autoscaler", Name: "cluster-autoscaler"},
	{Namespace: "karpenter", Name: "karpenter"},
}

var DefaultWebhookControllers = []WebhookController{
	{
		Class:       "kyverno",
		Namespace:   "kyverno",
		PodSelector: "app.kubernetes.io/component=admission-controller",
		WebhookNames: []string{
			"kyverno-resource-validating-webhook-cfg",
			"kyverno-resource-mutating-webhook-cfg",
			"kyverno-policy-validating-webhook-cfg",
		},
	},
	{
		Class:       "gatekeeper",
		Namespace:   "gatekeeper-system",
		PodSelector: "control-plane=controller-manager",
		WebhookNames: []string{
			"gatekeeper-validating-webhook-configuration",
			"gatekeeper-mutating-webhook-configuration",
		},
	},
	{
		Class:        "istio",
		Namespace:    "istio-system",
		PodSelector:  "app=istiod",
		WebhookNames: []string{"istio-sidecar-injector", "istio-validator-istio-system"},
	},
	{
		Class:        "linkerd",
		Namespace:    "linkerd",
		PodSelector:  "linkerd.io/control-plane-component=proxy-injector",
		WebhookNames: []string{"linkerd-proxy-injector-webhook-config"},
	},
	{
		Class:        "cert-manager",
		Namespace:    "cert-manager",
		PodSelector:  "app.kubernetes.io/component=webhook",
		WebhookNames: []string{"cert-manager-webhook"},
	},
}

var DefaultSystemWorkloads = []SystemWorkload{
	{Name: "coredns", Namespace: "kube-system", Kind: "Deployment", Replicas: 2, CPU: "100m", Memory: "70Mi", Spread: true},
	{Name: "kube-proxy", Namespace: "kube-system", Kind: "DaemonSet", Replicas: 1, CPU: "100m", Memory: "64Mi"},
	{Name: "cni", Namespace: "kube-system", Kind: "DaemonSet", Replicas: 1, CPU: "250m", Memory: "128Mi"},
}

// ApplyDefaultsAndValidate fills unset fields and rejects configurations that could never run.
func (c *Config) ApplyDefaultsAndValidate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.PoolLabelKey == "" {
		c.PoolLabelKey = "cluster.x-k8s.io/deployment-name"
	}

	if c.StateStore.Backend == "" {
		c.StateStore.Backend = StateBackendSQLite
	}
	if c.StateStore.Path == "" {
		c.StateStore.Path = "hibernator.db"
	}
	if c.StateStore.Namespace == "" {
		c.StateStore.Namespace = "default"
	}
	switch c.StateStore.Backend {
	case StateBackendSQLite, StateBackendConfigMap, StateBackendMemory:
	default:
		return fmt.Errorf("unknown stateStore.backend %q", c.StateStore.Backend)
	}

	if c.Lock.Backend == "" {
		c.Lock.Backend = LockBackendLease
	}
	if c.Lock.Namespace == "" {
		c.Lock.Namespace = c.StateStore.Namespace
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 2 * time.Minute
	}
	if c.Lock.TTL < 15*time.Second {
		return fmt.Errorf("lock.ttl must be at least 15s, got %s", c.Lock.TTL)
	}
	if c.Lock.Backend != LockBackendLease && c.Lock.Backend != LockBackendMemory {
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}

	if c.Cloud.Provider == "" {
		c.Cloud.Provider = CloudProviderCAPI
	}
	if c.Cloud.Namespace == "" {
		c.Cloud.Namespace = "default"
	}
	switch c.Cloud.Provider {
	case CloudProviderCAPI:
	case CloudProviderMagnum:
		if c.Cloud.ClusterID == "" {
			return fmt.Errorf("cloud.clusterID is required for the magnum provider")
		}
	default:
		return fmt.Errorf("unknown cloud.provider %q", c.Cloud.Provider)
	}

	c.Retry = c.Retry.WithDefaults()

	if c.NodePool.Timeout == 0 {
		c.NodePool.Timeout = 15 * time.Minute
	}
	if c.NodePool.PollInterval == 0 {
		c.NodePool.PollInterval = 15 * time.Second
	}
	if c.NodePool.MaxPollFailures == 0 {
		c.NodePool.MaxPollFailures = 5
	}
	if c.NodePool.Concurrency <= 0 {
		c.NodePool.Concurrency = 4
	}
	if c.NodePool.ReadyTimeout == 0 {
		c.NodePool.ReadyTimeout = 15 * time.Minute
	}

	if len(c.Autoscaler.Candidates) == 0 {
		c.Autoscaler.Candidates = DefaultAutoscalerCandidates
	}

	if c.Drain.GracePeriod == 0 {
		c.Drain.GracePeriod = 30 * time.Second
	}
	if c.Drain.ForceAfter == 0 {
		c.Drain.ForceAfter = 5 * time.Minute
	}
	if c.Drain.ForceAfter < c.Drain.GracePeriod {
		return fmt.Errorf("drain.forceAfter (%s) must not be shorter than drain.gracePeriod (%s)", c.Drain.ForceAfter, c.Drain.GracePeriod)
	}
	if c.Drain.Concurrency <= 0 {
		c.Drain.Concurrency = 5
	}
	if c.Drain.EvictBackoff.InitialInterval == 0 {
		c.Drain.EvictBackoff.InitialInterval = 2 * time.Second
	}
	if c.Drain.EvictBackoff.MaxInterval == 0 {
		c.Drain.EvictBackoff.MaxInterval = 30 * time.Second
	}
	c.Drain.EvictBackoff = c.Drain.EvictBackoff.WithDefaults()

	if len(c.Webhooks.Controllers) == 0 {
		c.Webhooks.Controllers = DefaultWebhookControllers
	}
	for _, wc := range c.Webhooks.Controllers {
		if wc.Class == "" || len(wc.WebhookNames) == 0 {
			return fmt.Errorf("webhook controller entries need a class and at least one webhook name")
		}
	}

	if err := c.Bootstrap.applyDefaultsAndValidate(); err != nil {
		return err
	}

	if c.Dependencies.TierLabel == "" {
		c.Dependencies.TierLabel = "hibernator.docent.net/tier"
	}
	if c.Dependencies.ReadyTimeout == 0 {
		c.Dependencies.ReadyTimeout = 10 * time.Minute
	}
	if c.Dependencies.PollInterval == 0 {
		c.Dependencies.PollInterval = 10 * time.Second
	}

	if c.Notify.Mode == "" {
		c.Notify.Mode = "disabled"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Notify.Mode == "webhook" && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required when notify.mode is webhook")
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.HealthAddr == "" {
		c.Metrics.HealthAddr = ":8080"
	}

	return nil
}

func (b *BootstrapConfig) applyDefaultsAndValidate() error {
	if b.NodeCapacity.CPU == "" {
		b.NodeCapacity.CPU = "2"
	}
	if b.NodeCapacity.Memory == "" {
		b.NodeCapacity.Memory = "4Gi"
	}
	if b.NodeCapacity.Pods == 0 {
		b.NodeCapacity.Pods = 110
	}
	if b.ReservedPercent == nil {
		b.ReservedPercent = ptr.To(10)
	}
	if *b.ReservedPercent < 0 || *b.ReservedPercent >= 100 {
		return fmt.Errorf("bootstrap.reservedPercent must be in [0,100), got %d", *b.ReservedPercent)
	}
	if b.VerifyTimeout == 0 {
		b.VerifyTimeout = 10 * time.Minute
	}
	if len(b.SystemWorkloads) == 0 {
		b.SystemWorkloads = DefaultSystemWorkloads
	}

	for _, q := range []string{b.NodeCapacity.CPU, b.NodeCapacity.Memory} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("bootstrap.nodeCapacity: invalid quantity %q: %w", q, err)
		}
	}
	for _, w := range b.SystemWorkloads {
		if w.Kind != "Deployment" && w.Kind != "DaemonSet" {
			return fmt.Errorf("bootstrap.systemWorkloads[%s]: kind must be Deployment or DaemonSet, got %q", w.Name, w.Kind)
		}
		for _, q := range []string{w.CPU, w.Memory} {
			if q == "" {
				continue
			}
			if _, err := resource.ParseQuantity(q); err != nil {
				return fmt.Errorf("bootstrap.systemWorkloads[%s]: invalid quantity %q: %w", w.Name, q, err)
			}
		}
	}
	return nil
}
