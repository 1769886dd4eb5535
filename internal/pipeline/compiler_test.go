package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoNodeYAML = `
pipeline:
  name: demo
  nodes:
    - id: dev
      name: Development
      stages:
        - id: plan-1
          name: Plan
          type: plan
          config:
            baseUrl: https://jira.example.com
            issueKey: PROJ-42
        - id: build-1
          name: Build
          type: build
          dependsOn: [plan-1]
    - id: qa
      name: QA
      stages:
        - id: test-1
          name: Test
          type: test
`

func TestCompile_EdgesSupplyNodeDependencies(t *testing.T) {
	p := &Pipeline{
		YAMLContent: twoNodeYAML,
		Edges:       []Edge{{Source: "dev", Target: "qa"}},
	}

	nodes, err := Compile(p, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Empty(t, nodes[0].DependsOn)
	assert.Equal(t, []string{"dev"}, nodes[1].DependsOn, "edge source->target becomes a dependency of the target")

	dev := nodes[0]
	assert.Equal(t, "Development", dev.Name)
	require.Len(t, dev.Stages, 2)
	assert.Equal(t, StagePlan, dev.Stages[0].Type)
	assert.Equal(t, "https://jira.example.com", dev.Stages[0].ToolConfig["baseUrl"])
	assert.True(t, dev.Stages[0].ExecutionEnabled)
	assert.True(t, dev.Stages[0].ToolSelected)
}

func TestCompile_YAMLDependsOnWinsOverEdges(t *testing.T) {
	yml := `
pipeline:
  nodes:
    - id: a
      stages: [{id: s1, type: build}]
    - id: b
      dependsOn: [a]
      stages: [{id: s2, type: build}]
`
	p := &Pipeline{
		YAMLContent: yml,
		// Contradictory layout edge; the YAML graph is authoritative.
		Edges: []Edge{{Source: "b", Target: "a"}},
	}

	nodes, err := Compile(p, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, nodes[1].DependsOn)
}

func TestCompile_UnknownTypeBecomesGeneric(t *testing.T) {
	yml := `
pipeline:
  nodes:
    - id: n1
      stages:
        - id: s1
          type: quantum-lint
`
	nodes, err := Compile(&Pipeline{YAMLContent: yml}, nil)
	require.NoError(t, err)
	assert.Equal(t, StageGeneric, nodes[0].Stages[0].Type)
}

func TestCompile_StageStateOverrides(t *testing.T) {
	off := false
	nodes, err := Compile(&Pipeline{YAMLContent: twoNodeYAML}, map[string]StageState{
		"plan-1":  {ExecutionEnabled: &off},
		"build-1": {ToolSelected: &off, CredentialID: "cred-7"},
	})
	require.NoError(t, err)

	dev := nodes[0]
	assert.False(t, dev.Stages[0].ExecutionEnabled)
	assert.False(t, dev.Stages[1].ToolSelected)
	assert.Equal(t, "cred-7", dev.Stages[1].CredentialID)
}

func TestCompile_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"duplicate node id", `
pipeline:
  nodes:
    - {id: n1, stages: [{id: s1}]}
    - {id: n1, stages: [{id: s2}]}
`},
		{"duplicate stage id", `
pipeline:
  nodes:
    - id: n1
      stages: [{id: s1}, {id: s1}]
`},
		{"missing node id", `
pipeline:
  nodes:
    - stages: [{id: s1}]
`},
		{"unknown node dependency", `
pipeline:
  nodes:
    - {id: n1, dependsOn: [ghost], stages: [{id: s1}]}
`},
		{"unknown stage dependency", `
pipeline:
  nodes:
    - id: n1
      stages: [{id: s1, dependsOn: [ghost]}]
`},
		{"malformed yaml", `pipeline: [`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(&Pipeline{YAMLContent: tc.yml}, nil)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCompile_StageCycleRejectedUpFront(t *testing.T) {
	yml := `
pipeline:
  nodes:
    - id: n1
      stages:
        - id: s1
          type: build
          dependsOn: [s2]
        - id: s2
          type: test
          dependsOn: [s1]
`
	_, err := Compile(&Pipeline{YAMLContent: yml}, nil)
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestCompile_NestedConfigNormalized(t *testing.T) {
	yml := `
pipeline:
  nodes:
    - id: n1
      stages:
        - id: s1
          type: deploy
          config:
            url: https://sap.example.com
            auth:
              clientId: abc
              clientSecret: xyz
`
	nodes, err := Compile(&Pipeline{YAMLContent: yml}, nil)
	require.NoError(t, err)

	cfg := nodes[0].Stages[0].ToolConfig
	auth, ok := cfg["auth"].(map[string]interface{})
	require.True(t, ok, "nested yaml maps must be string-keyed after compilation")
	assert.Equal(t, "abc", auth["clientId"])
}
