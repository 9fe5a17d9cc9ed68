package webhooks_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
	"github.com/docent-net/cluster-hibernator/pkg/webhooks"
)

var controllers = []config.WebhookController{
	{
		Class:        "kyverno",
		Namespace:    "kyverno",
		PodSelector:  "app=kyverno",
		WebhookNames: []string{"kyverno-resource-validating-webhook-cfg", "kyverno-resource-mutating-webhook-cfg"},
	},
	{
		Class:        "istio",
		Namespace:    "istio-system",
		PodSelector:  "app=istiod",
		WebhookNames: []string{"istio-sidecar-injector"},
	},
}

func validating(name, svcNS string) *admissionv1.ValidatingWebhookConfiguration {
	fail := admissionv1.Fail
	return &admissionv1.ValidatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Webhooks: []admissionv1.ValidatingWebhook{{
			Name:          name + ".example.io",
			FailurePolicy: &fail,
			ClientConfig:  admissionv1.WebhookClientConfig{Service: &admissionv1.ServiceReference{Namespace: svcNS, Name: "svc"}},
		}},
	}
}

func mutating(name string) *admissionv1.MutatingWebhookConfiguration {
	ignore := admissionv1.Ignore
	return &admissionv1.MutatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Webhooks:   []admissionv1.MutatingWebhook{{Name: name + ".example.io", FailurePolicy: &ignore}},
	}
}

func readyPod(ns, name string, labels map[string]string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Status: v1.PodStatus{
			Phase:      v1.PodRunning,
			Conditions: []v1.PodCondition{{Type: v1.PodReady, Status: v1.ConditionTrue}},
		},
	}
}

func find(t *testing.T, recs []model.WebhookHealthRecord, class, name string) model.WebhookHealthRecord {
	t.Helper()
	for _, r := range recs {
		if r.Class == class && r.Name == name {
			return r
		}
	}
	t.Fatalf("no record for %s/%s in %+v", class, name, recs)
	return model.WebhookHealthRecord{}
}

func TestScan_ClassifiesRegistrations(t *testing.T) {
	client := fake.NewSimpleClientset(
		validating("kyverno-resource-validating-webhook-cfg", "kyverno"),
		mutating("kyverno-resource-mutating-webhook-cfg"),
		readyPod("kyverno", "kyverno-0", map[string]string{"app": "kyverno"}),
	)
	v := webhooks.NewValidator(client, config.WebhooksConfig{Controllers: controllers}, false)

	recs, err := v.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	val := find(t, recs, "kyverno", "kyverno-resource-validating-webhook-cfg")
	require.Equal(t, model.WebhookHealthy, val.Health)
	require.Equal(t, 1, val.ControllerPods)
	require.Equal(t, "Fail", val.FailurePolicy)

	mut := find(t, recs, "kyverno", "kyverno-resource-mutating-webhook-cfg")
	require.Equal(t, model.WebhookHealthy, mut.Health)
	require.Equal(t, "kyverno", mut.ControllerNamespace)
	require.Equal(t, "Ignore", mut.FailurePolicy)

	absent := find(t, recs, "istio", "")
	require.Equal(t, model.WebhookAbsent, absent.Health)
}

func TestScan_OrphanedWhenControllerPodsAreGoneOrUnready(t *testing.T) {
	unready := readyPod("istio-system", "istiod-0", map[string]string{"app": "istiod"})
	unready.Status.Conditions[0].Status = v1.ConditionFalse

	client := fake.NewSimpleClientset(
		mutating("istio-sidecar-injector-1-20"),
		validating("kyverno-resource-validating-webhook-cfg", "kyverno"),
		unready,
		// Matching labels in another namespace do not count.
		readyPod("default", "kyverno-x", map[string]string{"app": "kyverno"}),
	)
	v := webhooks.NewValidator(client, config.WebhooksConfig{Controllers: controllers}, false)

	recs, err := v.Scan(context.Background())
	require.NoError(t, err)

	require.Equal(t, model.WebhookOrphaned, find(t, recs, "istio", "istio-sidecar-injector-1-20").Health)
	require.Equal(t, model.WebhookOrphaned, find(t, recs, "kyverno", "kyverno-resource-validating-webhook-cfg").Health)
}

func TestRemediateAll_DeletesOnlyOrphaned(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(
		validating("kyverno-resource-validating-webhook-cfg", "kyverno"),
		mutating("istio-sidecar-injector"),
		readyPod("istio-system", "istiod-0", map[string]string{"app": "istiod"}),
	)
	v := webhooks.NewValidator(client, config.WebhooksConfig{Controllers: controllers}, false)

	recs, err := v.Scan(ctx)
	require.NoError(t, err)

	removed, err := v.RemediateAll(ctx, recs)
	require.NoError(t, err)
	require.Equal(t, []string{"kyverno-resource-validating-webhook-cfg"}, removed)

	_, err = client.AdmissionregistrationV1().ValidatingWebhookConfigurations().Get(ctx, "kyverno-resource-validating-webhook-cfg", metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))
	_, err = client.AdmissionregistrationV1().MutatingWebhookConfigurations().Get(ctx, "istio-sidecar-injector", metav1.GetOptions{})
	require.NoError(t, err)

	// A second pass finds nothing left to do.
	recs, err = v.Scan(ctx)
	require.NoError(t, err)
	removed, err = v.RemediateAll(ctx, recs)
	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestRemediate_RefusesHealthyAndAbsent(t *testing.T) {
	v := webhooks.NewValidator(fake.NewSimpleClientset(), config.WebhooksConfig{Controllers: controllers}, false)

	for _, h := range []model.WebhookHealth{model.WebhookHealthy, model.WebhookAbsent} {
		err := v.Remediate(context.Background(), model.WebhookHealthRecord{Name: "x", Kind: model.WebhookValidating, Health: h})
		require.True(t, scaleerrors.Is(err, scaleerrors.ConfigurationError), "health %s", h)
	}
}

func TestRemediate_NotFoundIsSuccess(t *testing.T) {
	v := webhooks.NewValidator(fake.NewSimpleClientset(), config.WebhooksConfig{Controllers: controllers}, false)
	err := v.Remediate(context.Background(), model.WebhookHealthRecord{Name: "gone", Kind: model.WebhookMutating, Health: model.WebhookOrphaned})
	require.NoError(t, err)
}

func TestRemediateAll_FailureIsOrphanedWebhookError(t *testing.T) {
	client := fake.NewSimpleClientset(validating("kyverno-resource-validating-webhook-cfg", "kyverno"))
	client.PrependReactor("delete", "validatingwebhookconfigurations", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("forbidden by policy")
	})
	v := webhooks.NewValidator(client, config.WebhooksConfig{Controllers: controllers}, false)

	recs, err := v.Scan(context.Background())
	require.NoError(t, err)
	_, err = v.RemediateAll(context.Background(), recs)
	require.True(t, scaleerrors.Is(err, scaleerrors.OrphanedWebhook))
	require.ErrorContains(t, err, "kyverno-resource-validating-webhook-cfg")
}

func TestRemediateAll_DryRun(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(validating("kyverno-resource-validating-webhook-cfg", "kyverno"))
	v := webhooks.NewValidator(client, config.WebhooksConfig{Controllers: controllers}, true)

	recs, err := v.Scan(ctx)
	require.NoError(t, err)
	removed, err := v.RemediateAll(ctx, recs)
	require.NoError(t, err)
	require.Empty(t, removed)

	_, err = client.AdmissionregistrationV1().ValidatingWebhookConfigurations().Get(ctx, "kyverno-resource-validating-webhook-cfg", metav1.GetOptions{})
	require.NoError(t, err)
}
