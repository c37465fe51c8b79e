package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TopologyStep names a step and its predecessors in a topology description.
type TopologyStep struct {
	Name      string   `json:"name" yaml:"name"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Topology is a declarative description of a graph's shape. Step logic stays
// in code; the wiring between steps is data, so adding a parallel branch is
// a topology change rather than an executor change.
type Topology struct {
	Name  string         `json:"name" yaml:"name"`
	Steps []TopologyStep `json:"steps" yaml:"steps"`
}

// ParseTopology parses a YAML topology description.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology: %w", err)
	}
	return &t, nil
}

// LoadTopology loads a YAML topology description from a file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseTopology(data)
}

// BuildGraph materializes a topology against a set of registered steps.
func BuildGraph[S State[S]](t *Topology, steps map[string]Step[S]) (*Graph[S], error) {
	nodes := make([]Node[S], 0, len(t.Steps))
	for _, ts := range t.Steps {
		step, ok := steps[ts.Name]
		if !ok {
			return nil, fmt.Errorf("no step registered for topology entry %q", ts.Name)
		}
		nodes = append(nodes, Node[S]{Step: step, DependsOn: ts.DependsOn})
	}
	return NewGraph(t.Name, nodes)
}
