package models

// StepTree is an arena of steps indexed by stable identifiers. Root holds the
// ordered IDs of the top-level list; condition steps reference child lists by
// ID through their branch slices. Nested conditions form a tree, never a graph.
type StepTree struct {
	Root  []string         `json:"root"`
	Steps map[string]*Step `json:"steps"`
}

// StepByID returns the step for the given ID, or nil when absent.
func (t StepTree) StepByID(id string) *Step {
	if t.Steps == nil {
		return nil
	}

	return t.Steps[id]
}

// ListFor resolves the ordered ID list owned by the given condition step and
// branch. An empty conditionID resolves to the root list.
func (t StepTree) ListFor(conditionID string, branch BranchName) []string {
	if conditionID == "" {
		return t.Root
	}

	cond := t.StepByID(conditionID)
	if cond == nil || cond.Condition == nil {
		return nil
	}

	if branch == BranchElse {
		return cond.Condition.ElseBranch
	}

	return cond.Condition.IfBranch
}

// Lists returns every ordered list in the tree: the root list plus both
// branches of every condition step. Order normalization and validation walk
// each list independently.
func (t StepTree) Lists() [][]string {
	lists := [][]string{t.Root}

	for _, step := range t.Steps {
		if step.Type != StepTypeCondition || step.Condition == nil {
			continue
		}

		lists = append(lists, step.Condition.IfBranch, step.Condition.ElseBranch)
	}

	return lists
}

// NormalizeOrder re-derives every step's Order from its position in its
// containing list, keeping each list's orders a contiguous 0..n-1 sequence
// after any insert, removal, or reorder.
func (t StepTree) NormalizeOrder() {
	for _, list := range t.Lists() {
		for position, id := range list {
			if step := t.StepByID(id); step != nil {
				step.Order = position
			}
		}
	}
}

// Clone returns a deep copy of the tree. Runs capture a clone at enrollment so
// in-flight executions are unaffected by later edits to the definition.
func (t StepTree) Clone() StepTree {
	clone := StepTree{
		Root:  append([]string(nil), t.Root...),
		Steps: make(map[string]*Step, len(t.Steps)),
	}

	for id, step := range t.Steps {
		clone.Steps[id] = step.Clone()
	}

	return clone
}

// Empty reports whether the tree has no top-level steps.
func (t StepTree) Empty() bool {
	return len(t.Root) == 0
}
