package nodeops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// CordonNode marks the node unschedulable and records that hibernation did it.
// Nodes an operator already cordoned keep their state and get no annotation.
func CordonNode(ctx context.Context, client kubernetes.Interface, nodeName string, now time.Time) error {
	return retry.OnError(retry.DefaultBackoff, apierrors.IsConflict, func() error {
		node, err := client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("fetch node: %w", err)
		}

		if node.Spec.Unschedulable {
			slog.Debug("Node already cordoned", "node", nodeName)
			return nil
		}

		nodeCopy := node.DeepCopy()
		nodeCopy.Spec.Unschedulable = true
		if nodeCopy.Annotations == nil {
			nodeCopy.Annotations = map[string]string{}
		}
		nodeCopy.Annotations[AnnotationCordonedBy] = now.UTC().Format(time.RFC3339)

		_, err = client.CoreV1().Nodes().Update(ctx, nodeCopy, metav1.UpdateOptions{})
		if err != nil {
			return fmt.Errorf("cordon update: %w", err)
		}
		return nil
	})
}

// UncordonNode sets the Unschedulable field of a node to false and drops the cordon marker.
func UncordonNode(ctx context.Context, client kubernetes.Interface, nodeName string) error {
	return retry.OnError(retry.DefaultBackoff, apierrors.IsConflict, func() error {
		node, err := client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("fetch node: %w", err)
		}

		_, marked := node.Annotations[AnnotationCordonedBy]
		if !node.Spec.Unschedulable && !marked {
			return nil
		}

		nodeCopy := node.DeepCopy()
		nodeCopy.Spec.Unschedulable = false
		delete(nodeCopy.Annotations, AnnotationCordonedBy)

		_, err = client.CoreV1().Nodes().Update(ctx, nodeCopy, metav1.UpdateOptions{})
		if err != nil {
			return fmt.Errorf("uncordon update: %w", err)
		}

		return nil
	})
}
