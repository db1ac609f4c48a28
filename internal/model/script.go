package model

import (
	"encoding/json"
	"time"
)

type ScriptStatus string

const (
	ScriptPending        ScriptStatus = "pending"
	ScriptSuccess        ScriptStatus = "success"
	ScriptPartialSuccess ScriptStatus = "partial_success"
	ScriptFail           ScriptStatus = "fail"
)

func (s ScriptStatus) IsTerminal() bool {
	return s == ScriptSuccess || s == ScriptPartialSuccess || s == ScriptFail
}

type ScriptResultType string

const (
	ResultString ScriptResultType = "string"
	ResultObject ScriptResultType = "object"
	ResultTable  ScriptResultType = "table"
	ResultMulti  ScriptResultType = "multi"
)

// ScriptResult is the formatted value a script returned or yielded. Object holds a string for string
// results, a flat object, a list of flat objects with the same keys for tables, and an object of inner
// results keyed by their position for multi results.
type ScriptResult struct {
	Type   ScriptResultType `json:"type"`
	Object json.RawMessage  `json:"object"`
}

// ScriptExecution is one run of a script.
type ScriptExecution struct {
	ID              string            `json:"execution_id"`
	ScriptID        string            `json:"script_id"`
	Status          ScriptStatus      `json:"status"`
	RootFolder      string            `json:"root_folder"`
	Env             string            `json:"env_name"`
	User            string            `json:"user"`
	Params          map[string]string `json:"params"`
	SettingOverride map[string]string `json:"setting_overwrite"`
	EnvUsed         map[string]string `json:"env_used"`
	Result          *ScriptResult     `json:"result"`
	Errors          []StructuredError `json:"errors"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time"`
}
