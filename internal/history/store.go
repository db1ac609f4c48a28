// Package history stores finished runs and unit outcomes in a relational database. It is only written to
// once a run has finished and is never used while stages are executing.
package history

import (
	"context"
	"time"

	"github.com/fireflyhq/firefly/internal/model"
)

type RunRecord struct {
	ID             string
	RootFolder     string
	Env            string
	User           string
	Version        string
	Status         model.RunStatus
	ResultByStatus model.ResultByStatus
	Error          *model.StructuredError
	StartTime      time.Time
	EndTime        time.Time
}

type UnitRecord struct {
	RunID      string
	UnitID     string
	Name       string
	Suite      string
	Case       string
	RootFolder string
	Env        string
	Status     model.Status
	Errors     []model.StructuredError
	StartTime  time.Time
}

// UnitOutcome is one historical result of a unit.
type UnitOutcome struct {
	RunID     string
	Status    model.Status
	StartTime time.Time
}

// ScriptRecord is a finished script execution.
type ScriptRecord struct {
	ID         string
	ScriptID   string
	RootFolder string
	Env        string
	User       string
	Status     model.ScriptStatus
	Params     map[string]string
	EnvUsed    map[string]string
	Result     *model.ScriptResult
	Errors     []model.StructuredError
	StartTime  time.Time
	EndTime    time.Time
}

type Store interface {
	CreateRun(ctx context.Context, run RunRecord) error
	CreateUnitHistory(ctx context.Context, units []UnitRecord) error
	ClearHistory(ctx context.Context) error
	// QueryStats counts outcomes per unit id over all runs of rootFolder in env.
	QueryStats(ctx context.Context, rootFolder, env string) (map[string]model.ResultByStatus, error)
	// UnitStats returns the last limit outcomes of a unit, most recent first.
	UnitStats(ctx context.Context, unitID string, limit int) ([]UnitOutcome, error)
	ListRuns(ctx context.Context, rootFolder, env string, limit int) ([]RunRecord, error)
	CreateScriptRun(ctx context.Context, record ScriptRecord) error
	// ListScriptRuns returns the last limit executions of a script, most recent first.
	ListScriptRuns(ctx context.Context, scriptID string, limit int) ([]ScriptRecord, error)
}
