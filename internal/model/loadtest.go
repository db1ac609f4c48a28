package model

import "time"

type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "pending"
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionFinished ExecutionStatus = "finished"
)

type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerWorking  WorkerStatus = "working"
	WorkerFinished WorkerStatus = "finished"
)

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskSetup    TaskStatus = "setup"
	TaskWorking  TaskStatus = "working"
	TaskTeardown TaskStatus = "teardown"
	TaskFinished TaskStatus = "finished"
)

var TaskStatuses = []TaskStatus{TaskPending, TaskSetup, TaskWorking, TaskTeardown, TaskFinished}

// Execution is one run of a load test.
type Execution struct {
	ID              string            `json:"id"`
	LoadTestID      string            `json:"load_test_id"`
	Status          ExecutionStatus   `json:"status"`
	RootFolder      string            `json:"root_folder"`
	Env             string            `json:"env_name"`
	User            string            `json:"user"`
	Params          map[string]string `json:"params"`
	SettingOverride map[string]string `json:"setting_overwrite"`
	NumberOfTasks   int               `json:"number_of_tasks"`
	PerWorker       int               `json:"concurrency_within_a_single_worker"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time"`
}

// TaskStatusHistory is one snapshot of how many tasks are in each status.
type TaskStatusHistory map[TaskStatus]int
