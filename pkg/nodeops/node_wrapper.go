package nodeops

import (
	v1 "k8s.io/api/core/v1"
)

// NodeWrapper pairs a node with the pool it belongs to.
type NodeWrapper struct {
	*v1.Node
	Pool string
}

func NewNodeWrapper(n *v1.Node, poolLabelKey string) *NodeWrapper {
	return &NodeWrapper{Node: n, Pool: n.Labels[poolLabelKey]}
}

// WrapNodes wraps every node of the list, resolving pools through poolLabelKey.
func WrapNodes(nodes []v1.Node, poolLabelKey string) []*NodeWrapper {
	var result []*NodeWrapper
	for i := range nodes {
		result = append(result, NewNodeWrapper(&nodes[i], poolLabelKey))
	}
	return result
}

func (n *NodeWrapper) IsCordoned() bool {
	return n.Spec.Unschedulable
}

func (n *NodeWrapper) IsReady() bool {
	return IsNodeReady(n.Node)
}

// IsCordonedByUs reports whether hibernation, not an operator, cordoned the node.
func (n *NodeWrapper) IsCordonedByUs() bool {
	_, ok := CordonedSince(*n.Node)
	return ok && n.IsCordoned()
}

func IsNodeReady(n *v1.Node) bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == v1.NodeReady && cond.Status == v1.ConditionTrue {
			return true
		}
	}
	return false
}
