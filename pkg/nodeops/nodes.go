package nodeops

import (
	"context"
	"log/slog"
	"sort"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	"k8s.io/client-go/kubernetes"
)

// ListPoolNodes returns the nodes whose poolLabelKey value is one of pools, sorted by name.
func ListPoolNodes(ctx context.Context, client kubernetes.Interface, poolLabelKey string, pools []string) ([]v1.Node, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	req, err := labels.NewRequirement(poolLabelKey, selection.In, pools)
	if err != nil {
		return nil, err
	}
	list, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: labels.NewSelector().Add(*req).String(),
	})
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(pools))
	for _, p := range pools {
		wanted[p] = struct{}{}
	}
	var result []v1.Node
	for _, node := range list.Items {
		if _, ok := wanted[node.Labels[poolLabelKey]]; !ok {
			slog.Debug("Skipping node outside managed pools", "node", node.Name)
			continue
		}
		result = append(result, node)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// CountReady returns the number of Ready nodes per pool.
func CountReady(nodes []*NodeWrapper) map[string]int {
	counts := map[string]int{}
	for _, n := range nodes {
		if n.IsReady() {
			counts[n.Pool]++
		}
	}
	return counts
}

// Names returns the node names in order.
func Names(nodes []*NodeWrapper) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
