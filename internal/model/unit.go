package model

type Stage string

const (
	StageGroupSetup    Stage = "group_setup"
	StageSetup         Stage = "setup"
	StageCall          Stage = "call"
	StageTeardown      Stage = "teardown"
	StageGroupTeardown Stage = "group_teardown"
)

// Stages in execution order
var Stages = []Stage{StageGroupSetup, StageSetup, StageCall, StageTeardown, StageGroupTeardown}

type Step struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Inner  []Step `json:"inner"`
}

type StageResult struct {
	Status Status            `json:"status"`
	Steps  []Step            `json:"steps_data"`
	Errors []StructuredError `json:"errors"`
}

func PendingStage() StageResult {
	return StageResult{Status: StatusPending, Steps: []Step{}, Errors: []StructuredError{}}
}

type Asset struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// Unit is the per-run record of one unit: its identity, its overall status and the side data accumulated
// by its stages.
type Unit struct {
	ID          string                      `json:"test_id"`
	RunID       string                      `json:"test_run_id"`
	Name        string                      `json:"iteration_name"`
	Case        string                      `json:"method_name"`
	Suite       string                      `json:"class_name"`
	Description string                      `json:"description"`
	Params      map[string]string           `json:"params"`
	RunConfig   map[string]string           `json:"run_config"`
	Groups      []string                    `json:"groups"`
	Status      Status                      `json:"status"`
	EnvUsed     map[string]string           `json:"env_used"`
	Warnings    []string                    `json:"warnings"`
	Assets      map[string]Asset            `json:"assets_path"`
	Generated   map[string]string           `json:"generated_params"`
	Errors      map[Stage][]StructuredError `json:"errors"`
	Stages      map[Stage]StageResult       `json:"stages,omitempty"`
}

// SideData is what a stage accumulated while running. It is merged into the unit record when the stage
// result is recorded.
type SideData struct {
	EnvUsed   map[string]string
	Warnings  []string
	Assets    map[string]Asset
	Generated map[string]string
}

type Group struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Root           bool           `json:"root"`
	Groups         []string       `json:"groups"`
	Units          []string       `json:"auto_tests"`
	ResultByStatus ResultByStatus `json:"result_by_status"`
}

// StatusChange describes a unit leaving the pending status.
type StatusChange struct {
	Changed bool
	From    Status
	To      Status
}
