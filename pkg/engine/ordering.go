package engine

import (
	"sort"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
)

// executionOrder runs Kahn's algorithm over success edges. Ready nodes are
// taken in id order so a given graph always yields the same order. Any node
// left with in-degree after the queue drains sits on a cycle or behind one.
func executionOrder(wf *domain.Workflow) ([]string, error) {
	indegree := make(map[string]int, len(wf.Nodes))
	for id := range wf.Nodes {
		indegree[id] = 0
	}
	adj := wf.SuccessEdges()
	for _, targets := range adj {
		for _, target := range targets {
			indegree[target]++
		}
	}

	var queue []string
	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(wf.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var released []string
		for _, target := range adj[id] {
			indegree[target]--
			if indegree[target] == 0 {
				released = append(released, target)
			}
		}
		if len(released) > 0 {
			queue = append(queue, released...)
			sort.Strings(queue)
		}
	}

	if len(order) < len(wf.Nodes) {
		var stuck []string
		for id, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &domain.GraphError{
			Reason:  "success edges form a cycle",
			NodeIDs: stuck,
			Err:     domain.ErrCycle,
		}
	}
	return order, nil
}

// downstream returns every node reachable from id over success edges.
func downstream(wf *domain.Workflow, id string) []string {
	adj := wf.SuccessEdges()
	seen := map[string]struct{}{}
	stack := append([]string(nil), adj[id]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		stack = append(stack, adj[next]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
