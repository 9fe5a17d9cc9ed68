package nodeops_test

import (
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const poolLabel = "cluster.x-k8s.io/deployment-name"

func nodeWith(name, pool string, ready bool) *v1.Node {
	status := v1.ConditionFalse
	if ready {
		status = v1.ConditionTrue
	}
	return &v1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{poolLabel: pool},
		},
		Status: v1.NodeStatus{
			Conditions: []v1.NodeCondition{{Type: v1.NodeReady, Status: status}},
		},
	}
}

func mkObjMeta(ann map[string]string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Annotations: ann}
}
