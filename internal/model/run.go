package model

import "time"

type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunPending RunStatus = "pending"
	RunPrimed  RunStatus = "primed"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFail    RunStatus = "fail"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFail
}

// Status is the outcome of a unit or a single stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

var Statuses = []Status{StatusPending, StatusSuccess, StatusFail}

// ResultByStatus counts units per status. At every group pending + success + fail equals the number of
// descendant units.
type ResultByStatus struct {
	Pending int `json:"pending"`
	Success int `json:"success"`
	Fail    int `json:"fail"`
}

func (r ResultByStatus) Total() int {
	return r.Pending + r.Success + r.Fail
}

func (r *ResultByStatus) Add(status Status, delta int) {
	switch status {
	case StatusPending:
		r.Pending += delta
	case StatusSuccess:
		r.Success += delta
	case StatusFail:
		r.Fail += delta
	}
}

type StructuredError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

type Run struct {
	ID              string            `json:"id"`
	Status          RunStatus         `json:"status"`
	RootFolder      string            `json:"root_folder"`
	Env             string            `json:"env_name"`
	User            string            `json:"user"`
	Version         string            `json:"version"`
	UnitIDs         []string          `json:"test_ids"`
	Tags            []string          `json:"tags"`
	GroupIDs        []string          `json:"group_ids"`
	RunConfig       map[string]string `json:"run_config"`
	SettingOverride map[string]string `json:"setting_overwrite"`
	ResultByStatus  ResultByStatus    `json:"-"`
	Error           *StructuredError  `json:"error"`
	StartTime       time.Time         `json:"start_time"`
}

type ResultTreeStatus string

const (
	TreeIdle     ResultTreeStatus = "idle"
	TreePending  ResultTreeStatus = "pending"
	TreeFinished ResultTreeStatus = "finished"
	TreeFailed   ResultTreeStatus = "failed"
)

type TreeItem struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// ResultTree is the hierarchical view of a run handed to observers.
type ResultTree struct {
	Status     ResultTreeStatus    `json:"status"`
	FirstLevel []string            `json:"first_level,omitempty"`
	Groups     map[string]*Group   `json:"groups,omitempty"`
	Items      map[string]TreeItem `json:"items,omitempty"`
}
