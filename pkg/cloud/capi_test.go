package cloud_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/docent-net/cluster-hibernator/pkg/cloud"
	"github.com/docent-net/cluster-hibernator/pkg/config"
)

func machineDeployment(name string, desired, replicas int64, phase string, ann map[string]string) *unstructured.Unstructured {
	md := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "cluster.x-k8s.io/v1beta1",
		"kind":       "MachineDeployment",
		"metadata": map[string]any{
			"name":      name,
			"namespace": "clusters",
		},
		"spec": map[string]any{"replicas": desired},
		"status": map[string]any{
			"replicas":      replicas,
			"readyReplicas": replicas,
			"phase":         phase,
		},
	}}
	md.SetAnnotations(ann)
	return md
}

func newDynamic(objs ...runtime.Object) *dynamicfake.FakeDynamicClient {
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{cloud.MachineDeploymentGVR: "MachineDeploymentList"},
		objs...)
}

func TestCAPI_Describe(t *testing.T) {
	dyn := newDynamic(machineDeployment("workers-a", 5, 5, "Running", map[string]string{
		cloud.AnnotationCAPIMinSize: "2",
		cloud.AnnotationCAPIMaxSize: "10",
	}))
	p := cloud.NewCAPI(dyn, "clusters")

	st, err := p.Describe(context.Background(), "workers-a")
	require.NoError(t, err)
	require.Equal(t, 2, st.MinSize)
	require.Equal(t, 10, st.MaxSize)
	require.Equal(t, 5, st.DesiredSize)
	require.Equal(t, 5, st.ReadyNodes)
	require.True(t, st.Stable())
}

func TestCAPI_DescribeUnstableWhileScaling(t *testing.T) {
	dyn := newDynamic(machineDeployment("workers-a", 0, 3, "ScalingDown", nil))
	st, err := cloud.NewCAPI(dyn, "clusters").Describe(context.Background(), "workers-a")
	require.NoError(t, err)
	require.False(t, st.Stable())
	require.Equal(t, 0, st.MaxSize)
}

func TestCAPI_DescribeBadAnnotation(t *testing.T) {
	dyn := newDynamic(machineDeployment("workers-a", 1, 1, "Running", map[string]string{
		cloud.AnnotationCAPIMinSize: "two",
	}))
	_, err := cloud.NewCAPI(dyn, "clusters").Describe(context.Background(), "workers-a")
	require.ErrorContains(t, err, "not an integer")
}

func TestCAPI_Update(t *testing.T) {
	dyn := newDynamic(machineDeployment("workers-a", 5, 5, "Running", map[string]string{
		cloud.AnnotationCAPIMinSize: "2",
		cloud.AnnotationCAPIMaxSize: "10",
		"owner":                     "platform",
	}))
	p := cloud.NewCAPI(dyn, "clusters")

	require.NoError(t, p.Update(context.Background(), "workers-a", 0, 10, 0))

	md, err := dyn.Resource(cloud.MachineDeploymentGVR).Namespace("clusters").Get(context.Background(), "workers-a", metav1.GetOptions{})
	require.NoError(t, err)
	replicas, _, _ := unstructured.NestedInt64(md.Object, "spec", "replicas")
	require.Zero(t, replicas)
	require.Equal(t, "0", md.GetAnnotations()[cloud.AnnotationCAPIMinSize])
	require.Equal(t, "10", md.GetAnnotations()[cloud.AnnotationCAPIMaxSize])
	require.Equal(t, "platform", md.GetAnnotations()["owner"])
}

func TestCAPI_DescribeMissing(t *testing.T) {
	_, err := cloud.NewCAPI(newDynamic(), "clusters").Describe(context.Background(), "nope")
	require.Error(t, err)
}

func TestNewFromConfig_DryRunWrapsProvider(t *testing.T) {
	cfg := &config.Config{DryRun: true}
	require.NoError(t, cfg.ApplyDefaultsAndValidate())

	dyn := newDynamic(machineDeployment("workers-a", 5, 5, "Running", nil))
	p, err := cloud.NewFromConfig(cfg, dyn)
	require.NoError(t, err)
	require.Equal(t, "capi", p.Name())

	require.NoError(t, p.Update(context.Background(), "workers-a", 0, 0, 0))
	st, err := p.Describe(context.Background(), "workers-a")
	require.NoError(t, err)
	require.Equal(t, 5, st.DesiredSize)
}

func TestNewFromConfig_Unknown(t *testing.T) {
	_, err := cloud.NewFromConfig(&config.Config{Cloud: config.CloudConfig{Provider: "gce"}}, nil)
	require.Error(t, err)
}
