package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/model"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"

	runTable     = "test_run"
	historyTable = "test_history"
	scriptTable  = "script_history"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS test_run (
		id          VARCHAR(64) PRIMARY KEY,
		root_folder VARCHAR(255) NOT NULL,
		env         VARCHAR(255) NOT NULL,
		user_name   VARCHAR(255) NOT NULL,
		version     VARCHAR(64)  NOT NULL,
		status      VARCHAR(16)  NOT NULL,
		pending     INTEGER      NOT NULL,
		success     INTEGER      NOT NULL,
		fail        INTEGER      NOT NULL,
		error       TEXT         NOT NULL,
		start_time  BIGINT       NOT NULL,
		end_time    BIGINT       NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS test_history (
		run_id      VARCHAR(64)  NOT NULL,
		unit_id     VARCHAR(64)  NOT NULL,
		name        VARCHAR(512) NOT NULL,
		suite       VARCHAR(255) NOT NULL,
		case_name   VARCHAR(255) NOT NULL,
		root_folder VARCHAR(255) NOT NULL,
		env         VARCHAR(255) NOT NULL,
		status      VARCHAR(16)  NOT NULL,
		errors      TEXT         NOT NULL,
		start_time  BIGINT       NOT NULL,
		PRIMARY KEY (run_id, unit_id)
	)`,
	`CREATE INDEX IF NOT EXISTS test_history_unit_idx ON test_history (unit_id, start_time)`,
	`CREATE INDEX IF NOT EXISTS test_history_folder_idx ON test_history (root_folder, env)`,
	`CREATE TABLE IF NOT EXISTS script_history (
		id          VARCHAR(64)  PRIMARY KEY,
		script_id   VARCHAR(255) NOT NULL,
		root_folder VARCHAR(255) NOT NULL,
		env         VARCHAR(255) NOT NULL,
		user_name   VARCHAR(255) NOT NULL,
		status      VARCHAR(16)  NOT NULL,
		params      TEXT         NOT NULL,
		env_used    TEXT         NOT NULL,
		result      TEXT         NOT NULL,
		errors      TEXT         NOT NULL,
		start_time  BIGINT       NOT NULL,
		end_time    BIGINT       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS script_history_script_idx ON script_history (script_id, start_time)`,
}

type runRow struct {
	ID         string `db:"id"`
	RootFolder string `db:"root_folder"`
	Env        string `db:"env"`
	User       string `db:"user_name"`
	Version    string `db:"version"`
	Status     string `db:"status"`
	Pending    int    `db:"pending"`
	Success    int    `db:"success"`
	Fail       int    `db:"fail"`
	Error      string `db:"error"`
	StartTime  int64  `db:"start_time"`
	EndTime    int64  `db:"end_time"`
}

type unitRow struct {
	RunID      string `db:"run_id"`
	UnitID     string `db:"unit_id"`
	Name       string `db:"name"`
	Suite      string `db:"suite"`
	Case       string `db:"case_name"`
	RootFolder string `db:"root_folder"`
	Env        string `db:"env"`
	Status     string `db:"status"`
	Errors     string `db:"errors"`
	StartTime  int64  `db:"start_time"`
}

type scriptRow struct {
	ID         string `db:"id"`
	ScriptID   string `db:"script_id"`
	RootFolder string `db:"root_folder"`
	Env        string `db:"env"`
	User       string `db:"user_name"`
	Status     string `db:"status"`
	Params     string `db:"params"`
	EnvUsed    string `db:"env_used"`
	Result     string `db:"result"`
	Errors     string `db:"errors"`
	StartTime  int64  `db:"start_time"`
	EndTime    int64  `db:"end_time"`
}

type statsRow struct {
	UnitID string `db:"unit_id"`
	Status string `db:"status"`
	Count  int    `db:"count"`
}

// SQLStore is a Store backed by either sqlite or postgres.
type SQLStore struct {
	db     *sql.DB
	goquDb *goqu.Database
}

// Open connects to the database named by config. Setup must be called before first use.
func Open(config configuration.HistoryConfig) (*SQLStore, error) {
	switch config.Driver {
	case DriverSqlite:
		if dir := filepath.Dir(config.Dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "could not create directory %s for sqlite db", dir)
			}
		}
		db, err := sql.Open("sqlite", config.Dsn)
		if err != nil {
			return nil, errors.Wrapf(err, "error opening sqlite db %s", config.Dsn)
		}
		// sqlite only supports a single writer
		db.SetMaxOpenConns(1)
		return NewSQLStore(db, "sqlite3"), nil
	case DriverPostgres:
		db, err := sql.Open("pgx", config.Dsn)
		if err != nil {
			return nil, errors.Wrap(err, "error opening postgres db")
		}
		return NewSQLStore(db, "postgres"), nil
	default:
		return nil, &fireflyerrors.ErrInvalidArgument{Name: "driver", Value: config.Driver, Message: "must be sqlite or postgres"}
	}
}

func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, goquDb: goqu.New(dialect, db)}
}

// Setup creates the tables if they do not exist yet.
func (s *SQLStore) Setup(ctx context.Context) error {
	for _, statement := range schema {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return errors.Wrap(err, "error creating history schema")
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateRun(ctx context.Context, run RunRecord) error {
	runError := ""
	if run.Error != nil {
		data, err := json.Marshal(run.Error)
		if err != nil {
			return errors.WithStack(err)
		}
		runError = string(data)
	}
	row := runRow{
		ID:         run.ID,
		RootFolder: run.RootFolder,
		Env:        run.Env,
		User:       run.User,
		Version:    run.Version,
		Status:     string(run.Status),
		Pending:    run.ResultByStatus.Pending,
		Success:    run.ResultByStatus.Success,
		Fail:       run.ResultByStatus.Fail,
		Error:      runError,
		StartTime:  run.StartTime.UnixMilli(),
		EndTime:    run.EndTime.UnixMilli(),
	}
	_, err := s.goquDb.Insert(runTable).Rows(row).Executor().ExecContext(ctx)
	return errors.Wrapf(err, "error inserting run %s", run.ID)
}

func (s *SQLStore) CreateUnitHistory(ctx context.Context, units []UnitRecord) error {
	if len(units) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(units))
	for _, unit := range units {
		errs := unit.Errors
		if errs == nil {
			errs = []model.StructuredError{}
		}
		data, err := json.Marshal(errs)
		if err != nil {
			return errors.WithStack(err)
		}
		rows = append(rows, unitRow{
			RunID:      unit.RunID,
			UnitID:     unit.UnitID,
			Name:       unit.Name,
			Suite:      unit.Suite,
			Case:       unit.Case,
			RootFolder: unit.RootFolder,
			Env:        unit.Env,
			Status:     string(unit.Status),
			Errors:     string(data),
			StartTime:  unit.StartTime.UnixMilli(),
		})
	}
	_, err := s.goquDb.Insert(historyTable).Rows(rows...).Executor().ExecContext(ctx)
	return errors.Wrap(err, "error inserting unit history")
}

func (s *SQLStore) ClearHistory(ctx context.Context) error {
	tx, err := s.goquDb.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		for _, table := range []string{historyTable, runTable, scriptTable} {
			if _, err := tx.Delete(table).Executor().ExecContext(ctx); err != nil {
				return errors.Wrapf(err, "error clearing %s", table)
			}
		}
		log.Info("Cleared run history")
		return nil
	})
}

func (s *SQLStore) QueryStats(ctx context.Context, rootFolder, env string) (map[string]model.ResultByStatus, error) {
	var rows []statsRow
	err := s.goquDb.
		From(historyTable).
		Select(goqu.C("unit_id"), goqu.C("status"), goqu.COUNT("*").As("count")).
		Where(goqu.C("root_folder").Eq(rootFolder), goqu.C("env").Eq(env)).
		GroupBy(goqu.C("unit_id"), goqu.C("status")).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "error querying unit stats")
	}
	stats := map[string]model.ResultByStatus{}
	for _, row := range rows {
		result := stats[row.UnitID]
		result.Add(model.Status(row.Status), row.Count)
		stats[row.UnitID] = result
	}
	return stats, nil
}

func (s *SQLStore) UnitStats(ctx context.Context, unitID string, limit int) ([]UnitOutcome, error) {
	var rows []unitRow
	err := s.goquDb.
		From(historyTable).
		Where(goqu.C("unit_id").Eq(unitID)).
		Order(goqu.C("start_time").Desc()).
		Limit(uint(limit)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.Wrapf(err, "error querying history of unit %s", unitID)
	}
	outcomes := make([]UnitOutcome, len(rows))
	for i, row := range rows {
		outcomes[i] = UnitOutcome{
			RunID:     row.RunID,
			Status:    model.Status(row.Status),
			StartTime: time.UnixMilli(row.StartTime).UTC(),
		}
	}
	return outcomes, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, rootFolder, env string, limit int) ([]RunRecord, error) {
	var rows []runRow
	err := s.goquDb.
		From(runTable).
		Where(goqu.C("root_folder").Eq(rootFolder), goqu.C("env").Eq(env)).
		Order(goqu.C("start_time").Desc()).
		Limit(uint(limit)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "error listing runs")
	}
	runs := make([]RunRecord, len(rows))
	for i, row := range rows {
		var runError *model.StructuredError
		if row.Error != "" {
			runError = &model.StructuredError{}
			if err := json.Unmarshal([]byte(row.Error), runError); err != nil {
				return nil, errors.Wrapf(err, "run %s has a malformed error", row.ID)
			}
		}
		runs[i] = RunRecord{
			ID:             row.ID,
			RootFolder:     row.RootFolder,
			Env:            row.Env,
			User:           row.User,
			Version:        row.Version,
			Status:         model.RunStatus(row.Status),
			ResultByStatus: model.ResultByStatus{Pending: row.Pending, Success: row.Success, Fail: row.Fail},
			Error:          runError,
			StartTime:      time.UnixMilli(row.StartTime).UTC(),
			EndTime:        time.UnixMilli(row.EndTime).UTC(),
		}
	}
	return runs, nil
}

func (s *SQLStore) CreateScriptRun(ctx context.Context, record ScriptRecord) error {
	if record.Params == nil {
		record.Params = map[string]string{}
	}
	if record.EnvUsed == nil {
		record.EnvUsed = map[string]string{}
	}
	if record.Errors == nil {
		record.Errors = []model.StructuredError{}
	}
	params, err := marshalColumn(record.Params)
	if err != nil {
		return err
	}
	envUsed, err := marshalColumn(record.EnvUsed)
	if err != nil {
		return err
	}
	errs, err := marshalColumn(record.Errors)
	if err != nil {
		return err
	}
	result := ""
	if record.Result != nil {
		if result, err = marshalColumn(record.Result); err != nil {
			return err
		}
	}
	row := scriptRow{
		ID:         record.ID,
		ScriptID:   record.ScriptID,
		RootFolder: record.RootFolder,
		Env:        record.Env,
		User:       record.User,
		Status:     string(record.Status),
		Params:     params,
		EnvUsed:    envUsed,
		Result:     result,
		Errors:     errs,
		StartTime:  record.StartTime.UnixMilli(),
		EndTime:    record.EndTime.UnixMilli(),
	}
	_, err = s.goquDb.Insert(scriptTable).Rows(row).Executor().ExecContext(ctx)
	return errors.Wrapf(err, "error inserting script execution %s", record.ID)
}

func (s *SQLStore) ListScriptRuns(ctx context.Context, scriptID string, limit int) ([]ScriptRecord, error) {
	var rows []scriptRow
	err := s.goquDb.
		From(scriptTable).
		Where(goqu.C("script_id").Eq(scriptID)).
		Order(goqu.C("start_time").Desc()).
		Limit(uint(limit)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing executions of script %s", scriptID)
	}
	records := make([]ScriptRecord, len(rows))
	for i, row := range rows {
		record := ScriptRecord{
			ID:         row.ID,
			ScriptID:   row.ScriptID,
			RootFolder: row.RootFolder,
			Env:        row.Env,
			User:       row.User,
			Status:     model.ScriptStatus(row.Status),
			StartTime:  time.UnixMilli(row.StartTime).UTC(),
			EndTime:    time.UnixMilli(row.EndTime).UTC(),
		}
		if err := json.Unmarshal([]byte(row.Params), &record.Params); err != nil {
			return nil, errors.Wrapf(err, "script execution %s has malformed params", row.ID)
		}
		if err := json.Unmarshal([]byte(row.EnvUsed), &record.EnvUsed); err != nil {
			return nil, errors.Wrapf(err, "script execution %s has malformed env used", row.ID)
		}
		if err := json.Unmarshal([]byte(row.Errors), &record.Errors); err != nil {
			return nil, errors.Wrapf(err, "script execution %s has malformed errors", row.ID)
		}
		if row.Result != "" {
			record.Result = &model.ScriptResult{}
			if err := json.Unmarshal([]byte(row.Result), record.Result); err != nil {
				return nil, errors.Wrapf(err, "script execution %s has a malformed result", row.ID)
			}
		}
		records[i] = record
	}
	return records, nil
}

func marshalColumn(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	return string(data), errors.WithStack(err)
}
