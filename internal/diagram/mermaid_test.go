package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(ticketWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD\n")
	assert.Contains(t, output, "%% tickets v1.0.0")
	assert.Contains(t, output, `start(["start"])`)
	assert.Contains(t, output, `check{"check"}`)
	assert.Contains(t, output, `notify["notify (http.request)"]`)
	assert.Contains(t, output, `__end__(("End"))`)
	assert.Contains(t, output, "check -->|true| notify")
	assert.Contains(t, output, "check -->|false| __end__")
	assert.Contains(t, output, "notify --> __end__")
	assert.Contains(t, output, "classDef failed")
	assert.NotContains(t, output, "class start")
}

func TestRenderMermaid_WithStatus(t *testing.T) {
	journal := []store.JournalEntry{
		{StepSlug: "start", Port: schema.PortSuccess, Attempts: 1},
		{StepSlug: "check", Port: schema.PortTrue, Attempts: 1},
		{StepSlug: "notify", ErrorCode: schema.ErrCodeExecution, Attempts: 1},
	}
	model, err := Build(ticketWorkflow(), journal)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class start completed")
	assert.Contains(t, output, "class check completed")
	assert.Contains(t, output, "class notify failed")
}

func TestRenderMermaid_ShapesAndRepeats(t *testing.T) {
	model := &Model{Nodes: []*Node{
		{ID: "each", Label: "each", Kind: NodeKindLoop, Status: &StatusOverlay{Status: "completed", Invocations: 4}},
		{ID: "ask-model", Label: "ask", Kind: NodeKindLLM},
	}}
	output := RenderMermaid(model)
	assert.Contains(t, output, `each[["each x4"]]`)
	assert.Contains(t, output, `ask_model{{"ask"}}`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}
