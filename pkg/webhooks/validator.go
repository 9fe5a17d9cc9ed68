// Package webhooks finds admission webhook registrations whose controller pods are gone.
// After a scale-down the registrations survive while their backends do not, and a
// Fail-policy webhook with no backend blocks every pod creation on scale-up.
package webhooks

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/metrics"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

type Validator struct {
	Client      kubernetes.Interface
	Controllers []config.WebhookController
	DryRun      bool
}

func NewValidator(client kubernetes.Interface, cfg config.WebhooksConfig, dryRun bool) *Validator {
	return &Validator{Client: client, Controllers: cfg.Controllers, DryRun: dryRun}
}

// registration is a webhook configuration of either kind, reduced to what health needs.
type registration struct {
	name          string
	kind          model.WebhookKind
	serviceNS     string
	failurePolicy string
}

func (v *Validator) registrations(ctx context.Context) ([]registration, error) {
	var out []registration

	vwcs, err := v.Client.AdmissionregistrationV1().ValidatingWebhookConfigurations().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, retry.Classify("validatingwebhookconfigurations", err)
	}
	for _, c := range vwcs.Items {
		r := registration{name: c.Name, kind: model.WebhookValidating}
		if len(c.Webhooks) > 0 {
			r.serviceNS = serviceNamespace(c.Webhooks[0].ClientConfig)
			r.failurePolicy = failurePolicy(c.Webhooks[0].FailurePolicy)
		}
		out = append(out, r)
	}

	mwcs, err := v.Client.AdmissionregistrationV1().MutatingWebhookConfigurations().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, retry.Classify("mutatingwebhookconfigurations", err)
	}
	for _, c := range mwcs.Items {
		r := registration{name: c.Name, kind: model.WebhookMutating}
		if len(c.Webhooks) > 0 {
			r.serviceNS = serviceNamespace(c.Webhooks[0].ClientConfig)
			r.failurePolicy = failurePolicy(c.Webhooks[0].FailurePolicy)
		}
		out = append(out, r)
	}
	return out, nil
}

func serviceNamespace(cc admissionv1.WebhookClientConfig) string {
	if cc.Service == nil {
		return ""
	}
	return cc.Service.Namespace
}

func failurePolicy(p *admissionv1.FailurePolicyType) string {
	if p == nil {
		// The API server defaults an unset policy to Fail.
		return string(admissionv1.Fail)
	}
	return string(*p)
}

// matches accepts the exact name and revisioned variants such as istio-sidecar-injector-1-20.
func matches(name string, wanted []string) bool {
	return lo.SomeBy(wanted, func(w string) bool {
		return name == w || strings.HasPrefix(name, w+"-")
	})
}

// Scan derives one health record per registered webhook configuration of every configured
// controller class, plus one absent record for each class with nothing registered.
func (v *Validator) Scan(ctx context.Context) ([]model.WebhookHealthRecord, error) {
	regs, err := v.registrations(ctx)
	if err != nil {
		return nil, err
	}

	podCounts := map[string]int{}
	countPods := func(ns, selector string) (int, error) {
		key := ns + "|" + selector
		if n, ok := podCounts[key]; ok {
			return n, nil
		}
		pods, err := v.Client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return 0, retry.Classify("pods/"+ns, err)
		}
		n := lo.CountBy(pods.Items, func(p v1.Pod) bool { return isPodReady(&p) })
		podCounts[key] = n
		return n, nil
	}

	var records []model.WebhookHealthRecord
	for _, ctrl := range v.Controllers {
		owned := lo.Filter(regs, func(r registration, _ int) bool { return matches(r.name, ctrl.WebhookNames) })
		if len(owned) == 0 {
			records = append(records, model.WebhookHealthRecord{
				Class:               ctrl.Class,
				ControllerNamespace: ctrl.Namespace,
				Health:              model.Classify(false, 0),
			})
			continue
		}
		for _, r := range owned {
			ns := r.serviceNS
			if ns == "" {
				ns = ctrl.Namespace
			}
			n, err := countPods(ns, ctrl.PodSelector)
			if err != nil {
				return nil, err
			}
			rec := model.WebhookHealthRecord{
				Name:                r.name,
				Kind:                r.kind,
				Class:               ctrl.Class,
				ControllerNamespace: ns,
				ControllerPods:      n,
				FailurePolicy:       r.failurePolicy,
				Health:              model.Classify(true, n),
			}
			if rec.Health == model.WebhookOrphaned {
				slog.Warn("Orphaned admission webhook", "webhook", rec.Name, "kind", rec.Kind, "class", rec.Class,
					"namespace", ns, "failurePolicy", rec.FailurePolicy)
			}
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Class != records[j].Class {
			return records[i].Class < records[j].Class
		}
		return records[i].Name < records[j].Name
	})
	return records, nil
}

// Remediate deletes the registration behind an orphaned record. Any other health is refused.
func (v *Validator) Remediate(ctx context.Context, rec model.WebhookHealthRecord) error {
	if rec.Health != model.WebhookOrphaned {
		return scaleerrors.New(scaleerrors.ConfigurationError, "webhook/"+rec.Name,
			"refusing to remove %s webhook registration", rec.Health)
	}
	if v.DryRun {
		slog.Info("Dry-run: would delete orphaned webhook registration", "webhook", rec.Name, "kind", rec.Kind)
		return nil
	}

	var err error
	switch rec.Kind {
	case model.WebhookValidating:
		err = v.Client.AdmissionregistrationV1().ValidatingWebhookConfigurations().Delete(ctx, rec.Name, metav1.DeleteOptions{})
	case model.WebhookMutating:
		err = v.Client.AdmissionregistrationV1().MutatingWebhookConfigurations().Delete(ctx, rec.Name, metav1.DeleteOptions{})
	default:
		return scaleerrors.New(scaleerrors.InternalError, "webhook/"+rec.Name, "unknown webhook kind %q", rec.Kind)
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return retry.Classify("webhook/"+rec.Name, err)
	}
	metrics.RemediatedWebhooks.Inc()
	slog.Info("Deleted orphaned webhook registration", "webhook", rec.Name, "kind", rec.Kind, "class", rec.Class)
	return nil
}

// RemediateAll removes every orphaned registration in records and returns their names.
// The first failure stops the pass as an OrphanedWebhook error.
func (v *Validator) RemediateAll(ctx context.Context, records []model.WebhookHealthRecord) ([]string, error) {
	var removed []string
	for _, rec := range lo.Filter(records, func(r model.WebhookHealthRecord, _ int) bool {
		return r.Health == model.WebhookOrphaned
	}) {
		if err := v.Remediate(ctx, rec); err != nil {
			return removed, scaleerrors.New(scaleerrors.OrphanedWebhook, "webhook/"+rec.Name,
				"failed to remove orphaned %s webhook: %v", rec.Kind, err)
		}
		if !v.DryRun {
			removed = append(removed, rec.Name)
		}
	}
	return removed, nil
}

func isPodReady(p *v1.Pod) bool {
	if p.Status.Phase != v1.PodRunning || p.DeletionTimestamp != nil {
		return false
	}
	for _, c := range p.Status.Conditions {
		if c.Type == v1.PodReady {
			return c.Status == v1.ConditionTrue
		}
	}
	return false
}
