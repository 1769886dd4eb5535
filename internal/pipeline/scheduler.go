package pipeline

import (
	"errors"
	"fmt"
)

// ErrCircularDependency is raised when the pipeline graph contains a cycle.
// The wrapped message names the offending node or stage.
var ErrCircularDependency = errors.New("CircularDependency")

type visitMark int

const (
	unvisited visitMark = iota
	visiting
	visited
)

// Tiers topologically orders nodes into dense parallel tiers: every node's
// predecessors live in strictly earlier tiers. Declaration order breaks
// ties within a tier.
func Tiers(nodes []CompiledNode) ([][]CompiledNode, error) {
	byID := make(map[string]*CompiledNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	marks := make(map[string]visitMark, len(nodes))
	tierIndex := make(map[string]int, len(nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: node %q", ErrCircularDependency, id)
		}
		marks[id] = visiting

		tier := 0
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
			if t := tierIndex[dep] + 1; t > tier {
				tier = t
			}
		}

		marks[id] = visited
		tierIndex[id] = tier
		return nil
	}

	maxTier := -1
	for _, n := range nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
		if tierIndex[n.ID] > maxTier {
			maxTier = tierIndex[n.ID]
		}
	}

	tiers := make([][]CompiledNode, maxTier+1)
	for _, n := range nodes {
		t := tierIndex[n.ID]
		tiers[t] = append(tiers[t], n)
	}
	return tiers, nil
}

// OrderStages sorts a node's stages into the serial chain the coordinator
// runs: a topological order over dependsOn, stable in declaration order.
// Parallel stages within a node are not supported in this version.
func OrderStages(node CompiledNode) ([]CompiledStage, error) {
	byID := make(map[string]*CompiledStage, len(node.Stages))
	for i := range node.Stages {
		byID[node.Stages[i].ID] = &node.Stages[i]
	}

	marks := make(map[string]visitMark, len(node.Stages))
	ordered := make([]CompiledStage, 0, len(node.Stages))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: stage %q", ErrCircularDependency, id)
		}
		marks[id] = visiting

		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		marks[id] = visited
		ordered = append(ordered, *byID[id])
		return nil
	}

	for _, s := range node.Stages {
		if err := visit(s.ID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
