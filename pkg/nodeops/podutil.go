package nodeops

import (
	"context"
	"fmt"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
)

const annotationMirrorPod = "kubernetes.io/config.mirror"

// ListPodsOnNode returns every pod scheduled on the node.
func ListPodsOnNode(ctx context.Context, client kubernetes.Interface, nodeName string) ([]v1.Pod, error) {
	pods, err := client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}

	// Not every client honours field selectors; filter again.
	var result []v1.Pod
	for _, pod := range pods.Items {
		if pod.Spec.NodeName == nodeName {
			result = append(result, pod)
		}
	}
	return result, nil
}

func IsMirrorPod(pod *v1.Pod) bool {
	_, ok := pod.Annotations[annotationMirrorPod]
	return ok
}

func IsDaemonSetPod(pod *v1.Pod) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func IsTerminal(pod *v1.Pod) bool {
	return pod.Status.Phase == v1.PodSucceeded || pod.Status.Phase == v1.PodFailed
}

// Evictable filters out pods a drain leaves alone: mirror pods, DaemonSet pods and
// pods that already finished.
func Evictable(pods []v1.Pod) []v1.Pod {
	var result []v1.Pod
	for i := range pods {
		p := &pods[i]
		if IsMirrorPod(p) || IsDaemonSetPod(p) || IsTerminal(p) {
			continue
		}
		result = append(result, *p)
	}
	return result
}
