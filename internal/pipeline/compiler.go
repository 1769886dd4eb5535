package pipeline

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v2"
)

// ErrValidation marks caller-supplied pipeline definitions that cannot be
// compiled. Never retried.
var ErrValidation = errors.New("validation error")

// yamlDoc mirrors the authoritative yamlContent of a pipeline.
type yamlDoc struct {
	Pipeline struct {
		Name  string     `yaml:"name"`
		Nodes []yamlNode `yaml:"nodes"`
	} `yaml:"pipeline"`
}

type yamlNode struct {
	ID        string      `yaml:"id"`
	Name      string      `yaml:"name"`
	DependsOn []string    `yaml:"dependsOn"`
	Stages    []yamlStage `yaml:"stages"`
}

type yamlStage struct {
	ID               string                      `yaml:"id"`
	Name             string                      `yaml:"name"`
	Type             string                      `yaml:"type"`
	DependsOn        []string                    `yaml:"dependsOn"`
	ExecutionEnabled *bool                       `yaml:"executionEnabled"`
	ToolSelected     *bool                       `yaml:"toolSelected"`
	CredentialID     string                      `yaml:"credentialId"`
	Config           map[interface{}]interface{} `yaml:"config"`
}

// Compile parses a stored pipeline plus the build job's stage-state
// overrides into the executable plan. The YAML graph is authoritative;
// layout edges only supply node ordering when the YAML omits dependsOn.
func Compile(p *Pipeline, stagesState map[string]StageState) ([]CompiledNode, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal([]byte(p.YAMLContent), &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed pipeline yaml: %v", ErrValidation, err)
	}

	edgeDeps := dependenciesFromEdges(p.Edges)

	seenNodes := make(map[string]bool)
	nodes := make([]CompiledNode, 0, len(doc.Pipeline.Nodes))

	for _, yn := range doc.Pipeline.Nodes {
		if yn.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrValidation)
		}
		if seenNodes[yn.ID] {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrValidation, yn.ID)
		}
		seenNodes[yn.ID] = true

		deps := yn.DependsOn
		if len(deps) == 0 {
			deps = edgeDeps[yn.ID]
		}

		node := CompiledNode{
			ID:        yn.ID,
			Name:      nodeName(yn),
			DependsOn: deps,
			Stages:    make([]CompiledStage, 0, len(yn.Stages)),
		}

		seenStages := make(map[string]bool)
		for _, ys := range yn.Stages {
			if ys.ID == "" {
				return nil, fmt.Errorf("%w: node %q has a stage without id", ErrValidation, yn.ID)
			}
			if seenStages[ys.ID] {
				return nil, fmt.Errorf("%w: duplicate stage id %q in node %q", ErrValidation, ys.ID, yn.ID)
			}
			seenStages[ys.ID] = true

			stage := CompiledStage{
				ID:               ys.ID,
				Name:             stageName(ys),
				Type:             ParseStageType(ys.Type),
				ToolConfig:       normalizeMap(ys.Config),
				ExecutionEnabled: boolOr(ys.ExecutionEnabled, true),
				ToolSelected:     boolOr(ys.ToolSelected, true),
				CredentialID:     ys.CredentialID,
				DependsOn:        ys.DependsOn,
			}
			applyStageState(&stage, stagesState)
			node.Stages = append(node.Stages, stage)
		}

		nodes = append(nodes, node)
	}

	if err := validateReferences(nodes); err != nil {
		return nil, err
	}
	// Stage cycles fail compilation rather than the first node that happens
	// to reach the coordinator.
	for _, n := range nodes {
		if _, err := OrderStages(n); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// applyStageState overlays the build job's runtime overrides onto one
// compiled stage.
func applyStageState(stage *CompiledStage, stagesState map[string]StageState) {
	state, ok := stagesState[stage.ID]
	if !ok {
		return
	}
	if state.ExecutionEnabled != nil {
		stage.ExecutionEnabled = *state.ExecutionEnabled
	}
	if state.ToolSelected != nil {
		stage.ToolSelected = *state.ToolSelected
	}
	if state.CredentialID != "" {
		stage.CredentialID = state.CredentialID
	}
	if len(state.Config) > 0 {
		if stage.ToolConfig == nil {
			stage.ToolConfig = make(map[string]interface{}, len(state.Config))
		}
		for k, v := range state.Config {
			stage.ToolConfig[k] = v
		}
	}
}

// dependenciesFromEdges inverts source->target edges into per-node
// dependency lists.
func dependenciesFromEdges(edges []Edge) map[string][]string {
	deps := make(map[string][]string)
	for _, e := range edges {
		if e.Source == "" || e.Target == "" {
			continue
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	return deps
}

// validateReferences rejects dependsOn references to ids that do not exist.
func validateReferences(nodes []CompiledNode) error {
	nodeIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeIDs[n.ID] = true
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if !nodeIDs[dep] {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrValidation, n.ID, dep)
			}
		}

		stageIDs := make(map[string]bool, len(n.Stages))
		for _, s := range n.Stages {
			stageIDs[s.ID] = true
		}
		for _, s := range n.Stages {
			for _, dep := range s.DependsOn {
				if !stageIDs[dep] {
					return fmt.Errorf("%w: stage %q depends on unknown stage %q", ErrValidation, s.ID, dep)
				}
			}
		}
	}
	return nil
}

func nodeName(yn yamlNode) string {
	if yn.Name != "" {
		return yn.Name
	}
	return yn.ID
}

func stageName(ys yamlStage) string {
	if ys.Name != "" {
		return ys.Name
	}
	return ys.ID
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// normalizeMap converts yaml.v2's map[interface{}]interface{} trees into
// string-keyed maps so tool config survives JSON persistence.
func normalizeMap(in map[interface{}]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
