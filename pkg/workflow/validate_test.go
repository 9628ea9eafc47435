package workflow

import (
	"testing"
	"time"

	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *Validator {
	return NewValidator(condition.NewEngine())
}

func validDefinition() *models.WorkflowDefinition {
	tree := models.StepTree{
		Root: []string{"email-1", "cond-1", "email-3"},
		Steps: map[string]*models.Step{
			"email-1": {
				ID:    "email-1",
				Type:  models.StepTypeEmail,
				Email: &models.EmailConfig{TemplateID: "tpl-1", ThreadMode: models.ThreadModeNew},
			},
			"cond-1": {
				ID:   "cond-1",
				Type: models.StepTypeCondition,
				Condition: &models.ConditionConfig{
					Predicate: "value > 10000",
					IfBranch:  []string{"task-1"},
				},
			},
			"task-1": {
				ID:   "task-1",
				Type: models.StepTypeTask,
				Task: &models.TaskConfig{Description: "Call VIP", Required: true},
			},
			"email-3": {
				ID:    "email-3",
				Type:  models.StepTypeEmail,
				Delay: models.Duration(24 * time.Hour),
				Email: &models.EmailConfig{
					TemplateID: "tpl-2",
					ThreadMode: models.ThreadModeOld,
					ThreadFrom: "email-1",
				},
			},
		},
	}
	tree.NormalizeOrder()

	return &models.WorkflowDefinition{
		ID:      "wf-1",
		Name:    "VIP outreach",
		Status:  models.DefinitionStatusDraft,
		Trigger: models.TriggerDescriptor{Type: models.TriggerRecordCreated},
		Tree:    tree,
	}
}

func TestValidator_ValidDefinition(t *testing.T) {
	assert.NoError(t, newTestValidator().ValidateDefinition(validDefinition()))
}

func TestValidator_NilDefinition(t *testing.T) {
	err := newTestValidator().ValidateDefinition(nil)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrWorkflowNil)
}

func TestValidator_NameTooShort(t *testing.T) {
	definition := validDefinition()
	definition.Name = "ab"

	assert.True(t, IsValidationError(newTestValidator().ValidateDefinition(definition)))
}

func TestValidator_UnknownStepReference(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Root = append(definition.Tree.Root, "ghost")

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestValidator_UnreachableStep(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Steps["orphan"] = &models.Step{
		ID:   "orphan",
		Type: models.StepTypeSMS,
		SMS:  &models.SMSConfig{TemplateID: "tpl-sms"},
	}

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrUnreachableStep)
}

func TestValidator_DuplicateReference(t *testing.T) {
	definition := validDefinition()
	// task-1 already sits in cond-1's if branch.
	definition.Tree.Root = append(definition.Tree.Root, "task-1")
	definition.Tree.NormalizeOrder()

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrDuplicateStepRef)
}

func TestValidator_OrderNotDense(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Steps["email-3"].Order = 7

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrOrderNotDense)
}

func TestValidator_ConfigMismatch(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Steps["email-1"].Email = nil

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestValidator_ThreadReference(t *testing.T) {
	t.Run("forward reference rejected", func(t *testing.T) {
		definition := validDefinition()
		definition.Tree.Steps["email-1"].Email.ThreadMode = models.ThreadModeOld
		definition.Tree.Steps["email-1"].Email.ThreadFrom = "email-3"

		err := newTestValidator().ValidateDefinition(definition)
		assert.ErrorIs(t, err, ErrThreadRefInvalid)
	})

	t.Run("enclosing list reference allowed", func(t *testing.T) {
		definition := validDefinition()
		definition.Tree.Steps["cond-1"].Condition.IfBranch = []string{"email-branch"}
		delete(definition.Tree.Steps, "task-1")
		definition.Tree.Steps["email-branch"] = &models.Step{
			ID:   "email-branch",
			Type: models.StepTypeEmail,
			Email: &models.EmailConfig{
				TemplateID: "tpl-b",
				ThreadMode: models.ThreadModeOld,
				ThreadFrom: "email-1",
			},
		}
		definition.Tree.NormalizeOrder()

		assert.NoError(t, newTestValidator().ValidateDefinition(definition))
	})

	t.Run("branch email does not satisfy later sibling", func(t *testing.T) {
		definition := validDefinition()
		definition.Tree.Steps["cond-1"].Condition.IfBranch = []string{"email-branch"}
		delete(definition.Tree.Steps, "task-1")
		definition.Tree.Steps["email-branch"] = &models.Step{
			ID:    "email-branch",
			Type:  models.StepTypeEmail,
			Email: &models.EmailConfig{TemplateID: "tpl-b", ThreadMode: models.ThreadModeNew},
		}
		// email-3 sits after the condition in the root list; the branch email
		// may never have executed on its path.
		definition.Tree.Steps["email-3"].Email.ThreadFrom = "email-branch"
		definition.Tree.NormalizeOrder()

		err := newTestValidator().ValidateDefinition(definition)
		assert.ErrorIs(t, err, ErrThreadRefInvalid)
	})
}

func TestValidator_RequiredTaskNeedsDescription(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Steps["task-1"].Task.Description = ""

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrRequiredTaskDescription)
}

func TestValidator_OptionalTaskWithoutDescription(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Steps["task-1"].Task.Description = ""
	definition.Tree.Steps["task-1"].Task.Required = false

	assert.NoError(t, newTestValidator().ValidateDefinition(definition))
}

func TestValidator_PredicateMustCompile(t *testing.T) {
	definition := validDefinition()
	definition.Tree.Steps["cond-1"].Condition.Predicate = "value >"

	err := newTestValidator().ValidateDefinition(definition)
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestValidateDefinitionDocument(t *testing.T) {
	valid := []byte(`{
		"name": "Welcome sequence",
		"trigger": {"type": "record_created"},
		"tree": {
			"root": ["s1"],
			"steps": {"s1": {"id": "s1", "type": "email", "order": 0}}
		}
	}`)
	assert.NoError(t, ValidateDefinitionDocument(valid))

	missing := []byte(`{"name": "No trigger"}`)
	assert.True(t, IsValidationError(ValidateDefinitionDocument(missing)))

	badType := []byte(`{
		"name": "Bad step",
		"trigger": {"type": "record_created"},
		"tree": {
			"root": ["s1"],
			"steps": {"s1": {"id": "s1", "type": "carrier_pigeon"}}
		}
	}`)
	assert.True(t, IsValidationError(ValidateDefinitionDocument(badType)))

	garbage := []byte(`{not json`)
	assert.True(t, IsValidationError(ValidateDefinitionDocument(garbage)))
}
