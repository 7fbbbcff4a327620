package workflow

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Node is one vertex of the DAG.
type Node struct {
	ID           string
	Dependencies []string
	Payload      any
	index        int
}

// DAG is a directed acyclic graph keyed by node id. Layers and listings
// follow insertion order, so identical input gives identical output.
type DAG struct {
	nodes map[string]*Node
	order []string
	mu    sync.RWMutex
}

func NewDAG() *DAG {
	return &DAG{
		nodes: make(map[string]*Node),
	}
}

func (d *DAG) GetNode(id string) *Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[id]
}

// AddNode adds a node with optional dependencies.
func (d *DAG) AddNode(id string, payload any, deps ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("node %s already exists", id)
	}
	d.nodes[id] = &Node{
		ID:           id,
		Payload:      payload,
		Dependencies: slices.Clone(deps),
		index:        len(d.order),
	}
	d.order = append(d.order, id)
	return nil
}

// AddDependency makes id depend on dep.
func (d *DAG) AddDependency(id string, dep string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, exists := d.nodes[id]
	if !exists {
		return fmt.Errorf("node %s does not exist", id)
	}
	if slices.Contains(node.Dependencies, dep) {
		return nil
	}
	node.Dependencies = append(node.Dependencies, dep)
	return nil
}

// GetExecutionPlan returns layers of node ids. Nodes of one layer depend only
// on nodes of earlier layers; within a layer ids keep insertion order.
func (d *DAG) GetExecutionPlan() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.nodes))
	adj := make(map[string][]string, len(d.nodes))
	for _, id := range d.order {
		for _, dep := range d.nodes[id].Dependencies {
			if _, exists := d.nodes[dep]; !exists {
				return nil, fmt.Errorf("node %s depends on missing node %s", id, dep)
			}
			adj[dep] = append(adj[dep], id)
			inDegree[id]++
		}
	}

	var queue []string
	for _, id := range d.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var layers [][]string
	processed := 0
	for len(queue) > 0 {
		layers = append(layers, queue)
		processed += len(queue)
		var next []string
		for _, u := range queue {
			for _, v := range adj[u] {
				inDegree[v]--
				if inDegree[v] == 0 {
					next = append(next, v)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int {
			return d.nodes[a].index - d.nodes[b].index
		})
		queue = next
	}
	if processed != len(d.nodes) {
		return nil, fmt.Errorf("circular dependency detected in DAG")
	}
	return layers, nil
}

func (d *DAG) Validate() error {
	_, err := d.GetExecutionPlan()
	return err
}

func (d *DAG) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sb strings.Builder
	for _, id := range d.order {
		node := d.nodes[id]
		if len(node.Dependencies) > 0 {
			fmt.Fprintf(&sb, "%s -> [%s]\n", id, strings.Join(node.Dependencies, ", "))
		} else {
			fmt.Fprintf(&sb, "%s -> (root)\n", id)
		}
	}
	return sb.String()
}
