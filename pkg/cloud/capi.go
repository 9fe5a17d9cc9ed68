package cloud

import (
	"context"
	"fmt"
	"strconv"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/retry"
)

const (
	AnnotationCAPIMinSize = "cluster.x-k8s.io/cluster-api-autoscaler-node-group-min-size"
	AnnotationCAPIMaxSize = "cluster.x-k8s.io/cluster-api-autoscaler-node-group-max-size"
)

var MachineDeploymentGVR = schema.GroupVersionResource{
	Group:    "cluster.x-k8s.io",
	Version:  "v1beta1",
	Resource: "machinedeployments",
}

// CAPI drives Cluster API MachineDeployments. Pool bounds live in the autoscaler
// annotations, the desired size in spec.replicas.
type CAPI struct {
	Client    dynamic.Interface
	Namespace string
}

func NewCAPI(client dynamic.Interface, namespace string) *CAPI {
	return &CAPI{Client: client, Namespace: namespace}
}

func (c *CAPI) Name() string { return "capi" }

func (c *CAPI) resource() dynamic.ResourceInterface {
	return c.Client.Resource(MachineDeploymentGVR).Namespace(c.Namespace)
}

func (c *CAPI) Describe(ctx context.Context, pool string) (PoolStatus, error) {
	md, err := c.resource().Get(ctx, pool, metav1.GetOptions{})
	if err != nil {
		return PoolStatus{}, fmt.Errorf("get machinedeployment %s/%s: %w", c.Namespace, pool, err)
	}
	return machineDeploymentStatus(md)
}

func machineDeploymentStatus(md *unstructured.Unstructured) (PoolStatus, error) {
	desired, _, err := unstructured.NestedInt64(md.Object, "spec", "replicas")
	if err != nil {
		return PoolStatus{}, fmt.Errorf("machinedeployment %s: spec.replicas: %w", md.GetName(), err)
	}
	replicas, _, _ := unstructured.NestedInt64(md.Object, "status", "replicas")
	ready, _, _ := unstructured.NestedInt64(md.Object, "status", "readyReplicas")
	phase, _, _ := unstructured.NestedString(md.Object, "status", "phase")

	ann := md.GetAnnotations()
	minSize, err := annotationInt(ann, AnnotationCAPIMinSize, 0)
	if err != nil {
		return PoolStatus{}, fmt.Errorf("machinedeployment %s: %w", md.GetName(), err)
	}
	maxSize, err := annotationInt(ann, AnnotationCAPIMaxSize, int(desired))
	if err != nil {
		return PoolStatus{}, fmt.Errorf("machinedeployment %s: %w", md.GetName(), err)
	}

	st := PoolStatus{
		Name:        md.GetName(),
		MinSize:     minSize,
		MaxSize:     maxSize,
		DesiredSize: int(desired),
		ReadyNodes:  int(ready),
		Raw:         phase,
	}
	switch {
	case phase == "Failed":
		st.Status = StatusError
	case (phase == "Running" || phase == "ScaledDown") && replicas == desired:
		st.Status = StatusActive
	default:
		st.Status = StatusUpdating
	}
	return st, nil
}

func annotationInt(ann map[string]string, key string, def int) (int, error) {
	v, ok := ann[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("annotation %s=%q is not an integer", key, v)
	}
	return n, nil
}

func (c *CAPI) Update(ctx context.Context, pool string, min, max, desired int) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		md, err := c.resource().Get(ctx, pool, metav1.GetOptions{})
		if err != nil {
			return err
		}
		updated := md.DeepCopy()
		ann := updated.GetAnnotations()
		if ann == nil {
			ann = map[string]string{}
		}
		ann[AnnotationCAPIMinSize] = strconv.Itoa(min)
		ann[AnnotationCAPIMaxSize] = strconv.Itoa(max)
		updated.SetAnnotations(ann)
		if err := unstructured.SetNestedField(updated.Object, int64(desired), "spec", "replicas"); err != nil {
			return err
		}
		_, err = c.resource().Update(ctx, updated, metav1.UpdateOptions{})
		if err != nil && !apierrors.IsConflict(err) {
			return fmt.Errorf("update machinedeployment %s/%s: %w", c.Namespace, pool, err)
		}
		return err
	})
}
