package models

import "time"

// RunStatus represents the lifecycle state of one enrollment.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CursorFrame is one level of the run cursor. The root frame has an empty
// ConditionID; every deeper frame names the condition step whose chosen branch
// it is walking. Index is the position within that frame's list.
type CursorFrame struct {
	ConditionID string     `json:"condition_id,omitempty"`
	Branch      BranchName `json:"branch,omitempty"`
	Index       int        `json:"index"`
}

// Cursor is the run's tagged position in the step tree.
type Cursor struct {
	Frames []CursorFrame `json:"frames"`
}

// NewCursor returns a cursor at the first top-level step.
func NewCursor() Cursor {
	return Cursor{Frames: []CursorFrame{{Index: 0}}}
}

// StepStatus is the outcome of a single executed step.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
)

// StepResult is one entry of a run's ordered execution log.
type StepResult struct {
	StepID     string     `json:"step_id"`
	Type       StepType   `json:"type"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	ThreadID   string     `json:"thread_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	CallSlotID string     `json:"call_slot_id,omitempty"`
	Branch     BranchName `json:"branch,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// WaitKind discriminates what external signal a waiting run expects.
type WaitKind string

const (
	WaitKindTask WaitKind = "task"
	WaitKindCall WaitKind = "call"
)

// WaitState records that the run dispatched a call or task step and is waiting
// on its external completion. Blocking waits hold the run in blocked status
// until the signal arrives; a non-blocking call wait carries a deadline after
// which the run advances regardless.
type WaitState struct {
	StepID     string     `json:"step_id"`
	Kind       WaitKind   `json:"kind"`
	TaskID     string     `json:"task_id,omitempty"`
	CallSlotID string     `json:"call_slot_id,omitempty"`
	Blocking   bool       `json:"blocking"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Since      time.Time  `json:"since"`
}

// WorkflowRun is one record's traversal of one workflow's step tree. Tree is
// an immutable snapshot captured at enrollment; Version is a monotonic token
// guarding against concurrent advances of the same run.
type WorkflowRun struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	RecordID   string `json:"record_id"`
	EventID    string `json:"event_id"`

	Tree   StepTree `json:"tree"`
	Cursor Cursor   `json:"cursor"`
	Status RunStatus `json:"status"`

	Version  int64      `json:"version"`
	Wait     *WaitState `json:"wait,omitempty"`
	RetryAt  *time.Time `json:"retry_at,omitempty"`
	Attempts int        `json:"attempts,omitempty"`

	EnrolledAt  time.Time  `json:"enrolled_at"`
	AdvancedAt  time.Time  `json:"advanced_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Log []StepResult `json:"log"`
}

// currentList resolves the ordered ID list of the cursor's top frame.
func (r *WorkflowRun) currentList() []string {
	if len(r.Cursor.Frames) == 0 {
		return nil
	}

	top := r.Cursor.Frames[len(r.Cursor.Frames)-1]

	return r.Tree.ListFor(top.ConditionID, top.Branch)
}

// CurrentStep returns the step the cursor points at, or nil when the run has
// walked past the end of the tree.
func (r *WorkflowRun) CurrentStep() *Step {
	list := r.currentList()
	if len(r.Cursor.Frames) == 0 {
		return nil
	}

	index := r.Cursor.Frames[len(r.Cursor.Frames)-1].Index
	if index < 0 || index >= len(list) {
		return nil
	}

	return r.Tree.StepByID(list[index])
}

// Advance moves the cursor to the next step in the effective execution path.
// Exhausted branch frames pop and rejoin the parent list immediately after
// their owning condition step. Returns true when no step remains.
func (r *WorkflowRun) Advance() bool {
	for len(r.Cursor.Frames) > 0 {
		top := &r.Cursor.Frames[len(r.Cursor.Frames)-1]
		top.Index++

		if top.Index < len(r.currentList()) {
			return false
		}

		if len(r.Cursor.Frames) == 1 {
			return true
		}

		r.Cursor.Frames = r.Cursor.Frames[:len(r.Cursor.Frames)-1]
	}

	return true
}

// EnterBranch descends into the chosen branch of the condition step the cursor
// currently points at. An empty branch advances straight past the condition.
// Returns true when the run is complete as a result.
func (r *WorkflowRun) EnterBranch(conditionID string, branch BranchName) bool {
	r.Cursor.Frames = append(r.Cursor.Frames, CursorFrame{
		ConditionID: conditionID,
		Branch:      branch,
		Index:       -1,
	})

	return r.Advance()
}

// LastCompletion returns the finish time of the most recent log entry, or the
// enrollment time for a run that has executed nothing yet. Step delays are
// measured from this instant.
func (r *WorkflowRun) LastCompletion() time.Time {
	if len(r.Log) == 0 {
		return r.EnrolledAt
	}

	return r.Log[len(r.Log)-1].FinishedAt
}

// ThreadIDFor returns the conversation thread recorded for an earlier email
// step, for old_thread reuse. Empty when the step has not produced a thread.
func (r *WorkflowRun) ThreadIDFor(stepID string) string {
	for _, result := range r.Log {
		if result.StepID == stepID && result.ThreadID != "" {
			return result.ThreadID
		}
	}

	return ""
}

// ResultFor returns the logged result for a step, or nil when none exists.
func (r *WorkflowRun) ResultFor(stepID string) *StepResult {
	for i := range r.Log {
		if r.Log[i].StepID == stepID {
			return &r.Log[i]
		}
	}

	return nil
}
