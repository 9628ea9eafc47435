package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emailStep(id string) *Step {
	return &Step{
		ID:   id,
		Type: StepTypeEmail,
		Email: &EmailConfig{
			TemplateID: "tpl-" + id,
			ThreadMode: ThreadModeNew,
		},
	}
}

func conditionStep(id, predicate string, ifBranch, elseBranch []string) *Step {
	return &Step{
		ID:   id,
		Type: StepTypeCondition,
		Condition: &ConditionConfig{
			Predicate:  predicate,
			IfBranch:   ifBranch,
			ElseBranch: elseBranch,
		},
	}
}

func testTree() StepTree {
	tree := StepTree{
		Root: []string{"cond-1", "email-2"},
		Steps: map[string]*Step{
			"cond-1":  conditionStep("cond-1", "value > 10000", []string{"task-1"}, nil),
			"task-1":  {ID: "task-1", Type: StepTypeTask, Task: &TaskConfig{Description: "Call VIP", Required: true}},
			"email-2": emailStep("email-2"),
		},
	}
	tree.NormalizeOrder()

	return tree
}

func TestWorkflowRun_CurrentStep(t *testing.T) {
	run := &WorkflowRun{Tree: testTree(), Cursor: NewCursor()}

	step := run.CurrentStep()
	require.NotNil(t, step)
	assert.Equal(t, "cond-1", step.ID)
}

func TestWorkflowRun_Advance_ThroughRoot(t *testing.T) {
	run := &WorkflowRun{Tree: testTree(), Cursor: NewCursor()}

	done := run.Advance()
	assert.False(t, done)
	assert.Equal(t, "email-2", run.CurrentStep().ID)

	done = run.Advance()
	assert.True(t, done)
	assert.Nil(t, run.CurrentStep())
}

func TestWorkflowRun_EnterBranch_RejoinsParent(t *testing.T) {
	run := &WorkflowRun{Tree: testTree(), Cursor: NewCursor()}

	done := run.EnterBranch("cond-1", BranchIf)
	require.False(t, done)
	assert.Equal(t, "task-1", run.CurrentStep().ID)

	// Leaving the branch lands on the step after the condition.
	done = run.Advance()
	require.False(t, done)
	assert.Equal(t, "email-2", run.CurrentStep().ID)

	assert.True(t, run.Advance())
}

func TestWorkflowRun_EnterBranch_EmptyBranchSkipsToNext(t *testing.T) {
	run := &WorkflowRun{Tree: testTree(), Cursor: NewCursor()}

	done := run.EnterBranch("cond-1", BranchElse)
	require.False(t, done)
	assert.Equal(t, "email-2", run.CurrentStep().ID)
}

func TestWorkflowRun_EnterBranch_NestedConditions(t *testing.T) {
	tree := StepTree{
		Root: []string{"cond-outer", "email-last"},
		Steps: map[string]*Step{
			"cond-outer": conditionStep("cond-outer", "stage == 'won'", []string{"cond-inner"}, nil),
			"cond-inner": conditionStep("cond-inner", "value > 100", []string{"sms-1"}, nil),
			"sms-1":      {ID: "sms-1", Type: StepTypeSMS, SMS: &SMSConfig{TemplateID: "tpl-sms"}},
			"email-last": emailStep("email-last"),
		},
	}
	tree.NormalizeOrder()

	run := &WorkflowRun{Tree: tree, Cursor: NewCursor()}

	require.False(t, run.EnterBranch("cond-outer", BranchIf))
	assert.Equal(t, "cond-inner", run.CurrentStep().ID)

	require.False(t, run.EnterBranch("cond-inner", BranchIf))
	assert.Equal(t, "sms-1", run.CurrentStep().ID)

	// Both nested frames pop and rejoin the root after the outer condition.
	require.False(t, run.Advance())
	assert.Equal(t, "email-last", run.CurrentStep().ID)
	assert.Len(t, run.Cursor.Frames, 1)
}

func TestWorkflowRun_EnterBranch_EmptyBranchAtEndCompletesRun(t *testing.T) {
	tree := StepTree{
		Root: []string{"cond-1"},
		Steps: map[string]*Step{
			"cond-1": conditionStep("cond-1", "true", nil, nil),
		},
	}
	tree.NormalizeOrder()

	run := &WorkflowRun{Tree: tree, Cursor: NewCursor()}

	assert.True(t, run.EnterBranch("cond-1", BranchIf))
}

func TestWorkflowRun_LastCompletion(t *testing.T) {
	enrolled := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	run := &WorkflowRun{EnrolledAt: enrolled}

	assert.Equal(t, enrolled, run.LastCompletion())

	finished := enrolled.Add(2 * time.Hour)
	run.Log = append(run.Log, StepResult{StepID: "email-1", FinishedAt: finished})

	assert.Equal(t, finished, run.LastCompletion())
}

func TestWorkflowRun_ThreadIDFor(t *testing.T) {
	run := &WorkflowRun{
		Log: []StepResult{
			{StepID: "email-1", MessageID: "msg-1", ThreadID: "thr-1"},
			{StepID: "task-1", TaskID: "task-9"},
		},
	}

	assert.Equal(t, "thr-1", run.ThreadIDFor("email-1"))
	assert.Empty(t, run.ThreadIDFor("task-1"))
	assert.Empty(t, run.ThreadIDFor("missing"))
}

func TestRunStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusPending, false},
		{RunStatusRunning, false},
		{RunStatusBlocked, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusCancelled, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.Terminal(), string(tt.status))
	}
}
