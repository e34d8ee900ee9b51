package pipeline

// Stage identifies a step of the run. The set is closed: every stage
// resolves to its successor through Orchestrator.step, never through
// dynamic dispatch.
type Stage int

const (
	StageInit Stage = iota
	StageDiscover
	StageNextRepo
	StageNaming
	StageWorkspace
	StageEvaluateRelevance
	StageApplyChange
	StageReview
	StageSubmit
	StageWaitForCI
	StageCleanup
	StageEnd
)

var stageNames = map[Stage]string{
	StageInit:              "init",
	StageDiscover:          "discover",
	StageNextRepo:          "next_repo",
	StageNaming:            "naming",
	StageWorkspace:         "workspace",
	StageEvaluateRelevance: "evaluate_relevance",
	StageApplyChange:       "apply_change",
	StageReview:            "review",
	StageSubmit:            "submit",
	StageWaitForCI:         "wait_for_ci",
	StageCleanup:           "cleanup",
	StageEnd:               "end",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
