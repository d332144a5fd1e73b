package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiqo-ke/algoforge/internal/model"
)

func taskList(tasks ...*model.Task) *model.TodoList {
	return &model.TodoList{WorkflowID: "wf-1", Items: tasks}
}

func TestBuild_DetectsCycle(t *testing.T) {
	a := model.NewTask("a", "A", model.RoleCoder)
	b := model.NewTask("b", "B", model.RoleCoder)
	a.DependsOn = []string{"b"}
	b.DependsOn = []string{"a"}

	_, err := Build(taskList(a, b))
	require.Error(t, err)
	var cyc *ErrCyclic
	assert.ErrorAs(t, err, &cyc)
}

func TestBuild_UnknownDependency(t *testing.T) {
	a := model.NewTask("a", "A", model.RoleCoder)
	a.DependsOn = []string{"ghost"}

	_, err := Build(taskList(a))
	require.Error(t, err)
}

func TestReady_OrdersByPriorityThenID(t *testing.T) {
	a := model.NewTask("b-task", "B", model.RoleCoder)
	a.Priority = 1
	b := model.NewTask("a-task", "A", model.RoleCoder)
	b.Priority = 1
	c := model.NewTask("c-task", "C", model.RoleCoder)
	c.Priority = 5

	g, err := Build(taskList(a, b, c))
	require.NoError(t, err)

	ready := g.Ready()
	require.Len(t, ready, 3)
	assert.Equal(t, "c-task", ready[0].ID)
	assert.Equal(t, "a-task", ready[1].ID)
	assert.Equal(t, "b-task", ready[2].ID)
}

func TestReady_WaitsOnDependencies(t *testing.T) {
	a := model.NewTask("a", "A", model.RoleCoder)
	b := model.NewTask("b", "B", model.RoleTester)
	b.DependsOn = []string{"a"}

	g, err := Build(taskList(a, b))
	require.NoError(t, err)

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	a.Status = model.TaskPassed
	ready = g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestMarkSkippedTransitively(t *testing.T) {
	a := model.NewTask("a", "A", model.RoleCoder)
	b := model.NewTask("b", "B", model.RoleTester)
	b.DependsOn = []string{"a"}
	c := model.NewTask("c", "C", model.RoleTester)
	c.DependsOn = []string{"b"}

	g, err := Build(taskList(a, b, c))
	require.NoError(t, err)

	skipped := g.MarkSkippedTransitively("a")
	assert.ElementsMatch(t, []string{"b", "c"}, skipped)
	assert.Equal(t, model.TaskSkipped, g.Task("b").Status)
	assert.Equal(t, model.TaskSkipped, g.Task("c").Status)
}
