package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCycles_Acyclic(t *testing.T) {
	items := []*WorkItem{
		{ID: "a", Dependencies: nil},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}
	cycles := DetectCycles(items)
	assert.Empty(t, cycles)
}

func TestDetectCycles_SimpleCycle(t *testing.T) {
	items := []*WorkItem{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	cycles := DetectCycles(items)
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, cycles[0])
}

func TestDetectCycles_SelfDependency(t *testing.T) {
	items := []*WorkItem{
		{ID: "a", Dependencies: []string{"a"}},
	}
	cycles := DetectCycles(items)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a"}, cycles[0])
}

func TestDetectCycles_MissingDependencyIsNotACycle(t *testing.T) {
	items := []*WorkItem{
		{ID: "a", Dependencies: []string{"ghost"}},
	}
	cycles := DetectCycles(items)
	assert.Empty(t, cycles)
}

func TestReadyByDependencies(t *testing.T) {
	statuses := map[string]WorkItemStatus{
		"a": WorkItemStatusDone,
		"b": WorkItemStatusInProgress,
	}
	statusOf := func(id string) (WorkItemStatus, bool) {
		s, ok := statuses[id]
		return s, ok
	}

	done := &WorkItem{ID: "c", Dependencies: []string{"a"}}
	assert.True(t, ReadyByDependencies(done, statusOf))

	notDone := &WorkItem{ID: "d", Dependencies: []string{"a", "b"}}
	assert.False(t, ReadyByDependencies(notDone, statusOf))

	missing := &WorkItem{ID: "e", Dependencies: []string{"ghost"}}
	assert.False(t, ReadyByDependencies(missing, statusOf))
}
