package flowboard

import "strings"

// Stage names are fixed; the subsequence a given workflow traverses is
// derived from its workflow-type identifier by ParseWorkflowStages.
const (
	StageBacklog      = "backlog"
	StagePlan         = "plan"
	StageBuild        = "build"
	StageTest         = "test"
	StageReview       = "review"
	StageDocument     = "document"
	StageReadyToMerge = "ready-to-merge"
	StageCompleted    = "completed"
	StageErrored      = "errored"
)

const (
	workflowTypePrefix = "adw_"
	workflowTypeSuffix = "_iso"

	// Composite token that expands to the canonical full lifecycle.
	tokenSDLC = "sdlc"
	// Dynamically orchestrated workflows start in plan; the real sequence
	// is discovered from explicit stage_transition events.
	tokenOrchestrated = "orch"
)

// stageOrder fixes the relative ordering used for regression checks when an
// entity has no known stage sequence of its own.
var stageOrder = []string{
	StageBacklog,
	StagePlan,
	StageBuild,
	StageTest,
	StageReview,
	StageDocument,
	StageReadyToMerge,
	StageCompleted,
	StageErrored,
}

var knownStages = func() map[string]int {
	m := make(map[string]int, len(stageOrder))
	for i, name := range stageOrder {
		m[name] = i
	}
	return m
}()

// IsKnownStage reports whether name is a member of the fixed stage set.
func IsKnownStage(name string) bool {
	_, ok := knownStages[name]
	return ok
}

// IsTerminalStage reports whether no workflow-driven transition leaves name.
func IsTerminalStage(name string) bool {
	return name == StageCompleted || name == StageErrored
}

// StageRank returns the position of name in the canonical ordering, or -1
// for unknown names.
func StageRank(name string) int {
	rank, ok := knownStages[name]
	if !ok {
		return -1
	}
	return rank
}

// CanonicalStageSequence is the full lifecycle expansion of the sdlc token.
func CanonicalStageSequence() []string {
	return []string{StagePlan, StageBuild, StageTest, StageReview, StageDocument}
}

// ParseWorkflowStages derives the ordered stage sequence a workflow of the
// given type will traverse. It never fails: empty or unrecognized input
// yields an empty slice, which callers treat as "no known sequence".
func ParseWorkflowStages(workflowTypeID string) []string {
	id := strings.TrimSpace(strings.ToLower(workflowTypeID))
	if id == "" {
		return []string{}
	}
	id = strings.TrimPrefix(id, workflowTypePrefix)
	id = strings.TrimSuffix(id, workflowTypeSuffix)
	if id == "" {
		return []string{}
	}
	switch id {
	case tokenSDLC:
		return CanonicalStageSequence()
	case tokenOrchestrated:
		return []string{StagePlan}
	}
	parts := strings.Split(id, "_")
	stages := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		stages = append(stages, part)
	}
	return stages
}

// sequenceIndex returns the position of stage within sequence, or -1.
func sequenceIndex(sequence []string, stage string) int {
	for i, name := range sequence {
		if name == stage {
			return i
		}
	}
	return -1
}

// isForwardMove reports whether moving from current to candidate advances
// the entity. With a known sequence the positions decide; without one the
// canonical ordering is used, and unknown current stages never block.
func isForwardMove(sequence []string, current, candidate string) bool {
	if current == candidate {
		return false
	}
	if IsTerminalStage(current) {
		return false
	}
	if len(sequence) > 0 {
		from := sequenceIndex(sequence, current)
		to := sequenceIndex(sequence, candidate)
		if to >= 0 {
			return from < to
		}
		// Candidate outside the sequence: terminal stages and
		// ready-to-merge still count as forward from any member.
		if candidate == StageReadyToMerge || IsTerminalStage(candidate) {
			return true
		}
		return false
	}
	fromRank := StageRank(current)
	toRank := StageRank(candidate)
	if toRank < 0 {
		return false
	}
	return fromRank < toRank
}
