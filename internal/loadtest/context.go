package loadtest

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/lease"
)

const envPrefix = "env:"

// TaskContext is handed to every hook of a task.
type TaskContext struct {
	*fireflycontext.Context
	LoadTestID  string
	ExecutionID string
	WorkerID    int
	TaskID      string
	Params      map[string]string

	env        map[string]string
	charts     map[string]*BoxPlot
	semaphores *lease.Semaphores
}

func (c *TaskContext) withContext(ctx *fireflycontext.Context) *TaskContext {
	bound := *c
	bound.Context = ctx
	return &bound
}

// Env returns the value of key in the environment the execution was started with.
func (c *TaskContext) Env(key string) (string, error) {
	value, ok := c.env[key]
	if !ok {
		return "", &fireflyerrors.ErrNotFound{Type: "environment value", Value: key}
	}
	return value, nil
}

// Chart returns a chart declared by the definition.
func (c *TaskContext) Chart(name string) (*BoxPlot, error) {
	chart, ok := c.charts[name]
	if !ok {
		return nil, &fireflyerrors.ErrNotFound{Type: "chart", Value: name, Message: "charts must be declared on the definition"}
	}
	return chart, nil
}

// Observe adds value to the named chart.
func (c *TaskContext) Observe(name string, value float64) error {
	chart, err := c.Chart(name)
	if err != nil {
		return err
	}
	return chart.Update(c.Context, value)
}

// WithSemaphore runs fn while holding one slot of the named semaphore, shared by every task of every worker
// and with the test units using the same name.
func (c *TaskContext) WithSemaphore(name string, capacity int, fn func() error) error {
	return c.semaphores.WithSemaphore(c.Context, name, capacity, fn)
}

// primeParams merges the execution params over the definition defaults and substitutes environment
// references.
func primeParams(defaults, overrides, env map[string]string) (map[string]string, error) {
	params := make(map[string]string, len(defaults)+len(overrides))
	for name, value := range defaults {
		params[name] = value
	}
	for name, value := range overrides {
		params[name] = value
	}
	for name, value := range params {
		if !strings.HasPrefix(value, envPrefix) {
			continue
		}
		key := strings.TrimPrefix(value, envPrefix)
		envValue, ok := env[key]
		if !ok {
			return nil, &fireflyerrors.ErrNotFound{
				Type:    "environment value",
				Value:   key,
				Message: fmt.Sprintf("required by param %s", name),
			}
		}
		params[name] = envValue
	}
	return params, nil
}

// call runs fn, converting a panic into an error.
func call(fn TaskFunc, tc *TaskContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in task %s: %v\n%s", tc.TaskID, r, debug.Stack())
		}
	}()
	return fn(tc)
}
