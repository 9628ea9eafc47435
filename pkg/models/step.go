package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType discriminates the kind of action a step performs.
type StepType string

const (
	StepTypeEmail     StepType = "email"
	StepTypeSMS       StepType = "sms"
	StepTypeCall      StepType = "call"
	StepTypeTask      StepType = "task"
	StepTypeCondition StepType = "condition"
)

// ThreadMode controls whether an email step opens a new conversation thread or
// continues the thread of an earlier email step in the same run.
type ThreadMode string

const (
	ThreadModeNew ThreadMode = "new_thread"
	ThreadModeOld ThreadMode = "old_thread"
)

// BranchName names one of a condition step's two child lists.
type BranchName string

const (
	BranchIf   BranchName = "if"
	BranchElse BranchName = "else"
)

// Duration is a time.Duration that marshals to and from strings like "45m" or
// "24h" so step delays stay readable in persisted definitions.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}

	switch v := value.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}

		*d = Duration(parsed)

		return nil
	case float64:
		*d = Duration(time.Duration(v))

		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", value)
	}
}

// EmailConfig is the type-specific payload of an email step.
type EmailConfig struct {
	TemplateID string     `json:"template_id" validate:"required"`
	ThreadMode ThreadMode `json:"thread_mode" validate:"required,oneof=new_thread old_thread"`
	// ThreadFrom references an earlier email step whose thread is reused.
	// Required when ThreadMode is old_thread.
	ThreadFrom string   `json:"thread_from,omitempty"`
	CC         []string `json:"cc,omitempty"`
	BCC        []string `json:"bcc,omitempty"`
}

// SMSConfig is the type-specific payload of an SMS step.
type SMSConfig struct {
	TemplateID string `json:"template_id" validate:"required"`
}

// CallConfig is the type-specific payload of a call step. WaitForever keeps the
// run blocked until a call attempt is logged; otherwise the run advances once
// Wait elapses whether or not an attempt occurred.
type CallConfig struct {
	WaitForever bool     `json:"wait_forever"`
	Wait        Duration `json:"wait,omitempty"`
}

// TaskConfig is the type-specific payload of a task step. Required tasks block
// run progression until externally completed; optional tasks never block.
type TaskConfig struct {
	Description string   `json:"description"`
	DueIn       Duration `json:"due_in,omitempty"`
	Required    bool     `json:"required"`
}

// ConditionConfig is the type-specific payload of a condition step. Predicate
// is a boolean expression over the enrolled record's current attributes; the
// branches are ordered lists of child step IDs in the definition's arena.
type ConditionConfig struct {
	Predicate  string   `json:"predicate" validate:"required"`
	IfBranch   []string `json:"if_branch"`
	ElseBranch []string `json:"else_branch"`
}

// Step is one node of a workflow's step tree. Exactly one of the type-specific
// configs is set, matching Type. Order is dense and zero-based within the
// containing list; Delay is measured from the previous step's completion, or
// from enrollment for the first step of the root list.
type Step struct {
	ID    string   `json:"id"    validate:"required"`
	Type  StepType `json:"type"  validate:"required,oneof=email sms call task condition"`
	Order int      `json:"order"`
	Delay Duration `json:"delay"`

	Email     *EmailConfig     `json:"email,omitempty"`
	SMS       *SMSConfig       `json:"sms,omitempty"`
	Call      *CallConfig      `json:"call,omitempty"`
	Task      *TaskConfig      `json:"task,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
}

// Blocking reports whether the step gates run progression on an external
// completion signal: required tasks and unbounded call waits.
func (s *Step) Blocking() bool {
	switch s.Type {
	case StepTypeTask:
		return s.Task != nil && s.Task.Required
	case StepTypeCall:
		return s.Call != nil && s.Call.WaitForever
	default:
		return false
	}
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	clone := *s

	if s.Email != nil {
		email := *s.Email
		email.CC = append([]string(nil), s.Email.CC...)
		email.BCC = append([]string(nil), s.Email.BCC...)
		clone.Email = &email
	}

	if s.SMS != nil {
		sms := *s.SMS
		clone.SMS = &sms
	}

	if s.Call != nil {
		call := *s.Call
		clone.Call = &call
	}

	if s.Task != nil {
		task := *s.Task
		clone.Task = &task
	}

	if s.Condition != nil {
		cond := *s.Condition
		cond.IfBranch = append([]string(nil), s.Condition.IfBranch...)
		cond.ElseBranch = append([]string(nil), s.Condition.ElseBranch...)
		clone.Condition = &cond
	}

	return &clone
}

func looseEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
