// DrainTracker follows every node of a drain through its states:
//
//	schedulable -> cordoned -> draining -> drained | drain-forced | drain-failed
//
// The three outcomes are terminal. drain-failed means eviction stayed blocked past the
// force deadline and the forced deletion errored too; it aborts the scale-down of the
// node's pool. Nodes that already reached drained are never rolled back.
//
// The tracker is in-memory and lives for one drain phase. The outcome of each node is
// persisted through the operation result.

package nodeops

import (
	"fmt"
	"sort"
	"sync"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

var legalTransitions = map[model.NodeDrainState][]model.NodeDrainState{
	model.NodeSchedulable: {model.NodeCordoned},
	model.NodeCordoned:    {model.NodeDraining},
	model.NodeDraining:    {model.NodeDrained, model.NodeDrainForced, model.NodeDrainFailed},
}

// DrainTracker is safe for concurrent use.
type DrainTracker struct {
	mu     sync.Mutex
	states map[string]model.NodeDrainState
}

func NewDrainTracker(nodes []string) *DrainTracker {
	t := &DrainTracker{states: make(map[string]model.NodeDrainState, len(nodes))}
	for _, n := range nodes {
		t.states[n] = model.NodeSchedulable
	}
	return t
}

// Transition moves node to next, rejecting moves the state machine does not allow.
func (t *DrainTracker) Transition(node string, next model.NodeDrainState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[node]
	if !ok {
		return fmt.Errorf("node %s is not tracked", node)
	}
	for _, allowed := range legalTransitions[cur] {
		if allowed == next {
			t.states[node] = next
			return nil
		}
	}
	return fmt.Errorf("node %s: illegal drain transition %s -> %s", node, cur, next)
}

func (t *DrainTracker) State(node string) model.NodeDrainState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[node]
}

// InState returns the sorted names of nodes currently in s.
func (t *DrainTracker) InState(s model.NodeDrainState) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for n, st := range t.states {
		if st == s {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func IsTerminalDrainState(s model.NodeDrainState) bool {
	return s == model.NodeDrained || s == model.NodeDrainForced || s == model.NodeDrainFailed
}
